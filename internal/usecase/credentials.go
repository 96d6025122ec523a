package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Credentials are the shared values the provider uses to authenticate
// webhook traffic.
type Credentials struct {
	AppSecret   string
	VerifyToken string
}

func (c Credentials) validate() error {
	if strings.TrimSpace(c.AppSecret) == "" {
		return errors.New("usecase: app secret is empty")
	}
	if strings.TrimSpace(c.VerifyToken) == "" {
		return errors.New("usecase: verify token is empty")
	}
	return nil
}

type ParamsGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// ParamCredentials loads Credentials from the parameter store on first use and
// caches them for the process lifetime. A failed load is retried on the next
// call.
type ParamCredentials struct {
	params      ParamsGetter
	paramPrefix string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	creds       Credentials
}

func NewParamCredentials(p ParamsGetter, paramPrefix string) (*ParamCredentials, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &ParamCredentials{params: p, paramPrefix: paramPrefix}, nil
}

func (c *ParamCredentials) Credentials(ctx context.Context) (Credentials, error) {
	c.cacheMu.RLock()
	if c.cacheLoaded {
		creds := c.creds
		c.cacheMu.RUnlock()
		return creds, nil
	}
	c.cacheMu.RUnlock()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cacheLoaded {
		return c.creds, nil
	}

	secretName := c.paramPrefix + "/app_secret"
	tokenName := c.paramPrefix + "/verify_token"
	vals, err := c.params.GetParameters(ctx, secretName, tokenName)
	if err != nil {
		return Credentials{}, fmt.Errorf("usecase: load webhook credentials: %w", err)
	}
	creds := Credentials{AppSecret: vals[secretName], VerifyToken: vals[tokenName]}
	if err := creds.validate(); err != nil {
		return Credentials{}, err
	}

	c.creds = creds
	c.cacheLoaded = true
	return creds, nil
}

// StaticCredentials serves fixed credentials, for local runs.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	creds := Credentials(s)
	if err := creds.validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}
