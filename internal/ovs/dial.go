// SPDX-License-Identifier:Apache-2.0

package ovs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/ovn-kubernetes/libovsdb/client"
	"github.com/ovn-kubernetes/libovsdb/model"
	"github.com/ovn-kubernetes/libovsdb/ovsdb"
	"k8s.io/apimachinery/pkg/util/wait"
)

var endpointRe = regexp.MustCompile(`^(tcp|ssl|unix):.+`)

// ValidEndpoint tells whether s is a libovsdb endpoint the agent can dial.
func ValidEndpoint(s string) bool {
	return endpointRe.MatchString(s)
}

// ValidEndpoints tells whether every part of a comma separated endpoint
// list is valid.
func ValidEndpoints(s string) bool {
	for _, endpoint := range strings.Split(s, ",") {
		if !ValidEndpoint(strings.TrimSpace(endpoint)) {
			return false
		}
	}
	return true
}

// DialConfig describes how to reach an OVSDB server.
type DialConfig struct {
	Endpoint string
	// Timeout bounds the initial connection attempts.
	Timeout time.Duration
	// PEM files, used for ssl: endpoints only.
	PrivateKey  string
	Certificate string
	CACert      string
	Logger      logr.Logger
}

// Dial connects to the database served at cfg.Endpoint, retrying with an
// exponential backoff until cfg.Timeout elapses, and monitors every table
// of dbModel. The returned client reconnects by itself.
func Dial(ctx context.Context, cfg DialConfig, dbModel model.ClientDBModel) (client.Client, error) {
	logger := cfg.Logger.WithValues("database", dbModel.Name())
	opts := []client.Option{
		client.WithLogger(&logger),
		client.WithReconnect(cfg.Timeout, backoff.NewExponentialBackOff()),
	}
	// ovn-remote may list several servers of a clustered database.
	for _, endpoint := range strings.Split(cfg.Endpoint, ",") {
		endpoint = strings.TrimSpace(endpoint)
		if !ValidEndpoint(endpoint) {
			return nil, fmt.Errorf("invalid ovsdb endpoint %q", endpoint)
		}
		opts = append(opts, client.WithEndpoint(endpoint))
	}
	if strings.HasPrefix(cfg.Endpoint, "ssl:") {
		tlsConfig, err := loadTLS(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLSConfig(tlsConfig))
	}

	c, err := client.NewOVSDBClient(dbModel, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", dbModel.Name(), err)
	}

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = cfg.Timeout
	connect := func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return c.Connect(connectCtx)
	}
	if err := backoff.Retry(connect, backoff.WithContext(retry, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to %s at %s: %w", dbModel.Name(), cfg.Endpoint, err)
	}

	if _, err := c.MonitorAll(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to monitor %s: %w", dbModel.Name(), err)
	}
	return c, nil
}

func loadTLS(cfg DialConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load ovsdb client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read ovsdb ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificate found in %s", cfg.CACert)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// transact runs ops, retrying while the client is reconnecting, and
// checks every operation result.
func transact(ctx context.Context, c client.Client, ops []ovsdb.Operation) ([]ovsdb.OperationResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	var results []ovsdb.OperationResult
	err := wait.PollUntilContextTimeout(ctx, 200*time.Millisecond, transactTimeout, true, func(ctx context.Context) (bool, error) {
		var err error
		results, err = c.Transact(ctx, ops...)
		if errors.Is(err, client.ErrNotConnected) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("transaction %+v failed: %w", ops, err)
	}
	if _, err := ovsdb.CheckOperationResults(results, ops); err != nil {
		return nil, fmt.Errorf("transaction %+v returned errors: %w", ops, err)
	}
	return results, nil
}

const transactTimeout = 30 * time.Second
