package main

import (
	"fmt"

	"tenant-mux/config"
	"tenant-mux/internal/logger"
	"tenant-mux/internal/transport"
	"tenant-mux/internal/transport/mqtt"
	"tenant-mux/internal/transport/nats"
	"tenant-mux/internal/transport/redis"
	"tenant-mux/internal/transport/stomp"
)

// newDialer returns the transport adapter selected by the configuration
func newDialer(transportType string, log *logger.Logger) (transport.Dialer, error) {
	log = log.With("transport", transportType)

	switch transportType {
	case config.TransportSTOMP:
		return stomp.NewDialer(log), nil
	case config.TransportMQTT:
		return mqtt.NewDialer(log), nil
	case config.TransportNATS:
		return nats.NewDialer(log), nil
	case config.TransportRedis:
		return redis.NewDialer(log), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}
