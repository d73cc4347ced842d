package discovery

import (
	"context"
	"log/slog"
	"time"
)

// CheckTTL is how long an instance stays healthy without a heartbeat.
const CheckTTL = 5 * time.Second

// HealthCheckInterval must stay well below CheckTTL.
const HealthCheckInterval = time.Second

// ServiceRegistration is a registered instance with a running TTL heartbeat.
type ServiceRegistration struct {
	registry    Registry
	instanceID  string
	serviceName string
	logger      *slog.Logger
	stopChan    chan struct{}
	done        chan struct{}
}

// RegisterService registers the instance and starts heartbeating it.
func RegisterService(
	ctx context.Context,
	registry Registry,
	instanceID, serviceName, addr string,
	logger *slog.Logger,
) (*ServiceRegistration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		logger:      logger,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}

	go sr.startHealthCheck(HealthCheckInterval)

	return sr, nil
}

func (sr *ServiceRegistration) startHealthCheck(interval time.Duration) {
	defer close(sr.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stopChan:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				sr.logger.Warn("health check failed",
					slog.String("instance_id", sr.instanceID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Deregister stops the heartbeat and removes the instance.
func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stopChan)
	<-sr.done
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}
