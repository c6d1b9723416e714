package svcclient

import (
	"context"
	"sync"
	"time"

	"github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/config"
)

// ServiceTokens mints service-role JWTs for one calling component and reuses
// each token for half its lifetime.
type ServiceTokens struct {
	cfg     config.JWTConfig
	service string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

func NewServiceTokens(cfg config.JWTConfig, service string, ttl time.Duration) *ServiceTokens {
	return &ServiceTokens{cfg: cfg, service: service, ttl: ttl, now: time.Now}
}

func (s *ServiceTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.renewAt) {
		return s.token, nil
	}
	token, err := auth.MintServiceToken(s.cfg, now, s.service, s.ttl)
	if err != nil {
		return "", err
	}
	ttl := s.ttl
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.token = token
	s.renewAt = now.Add(ttl / 2)
	return token, nil
}
