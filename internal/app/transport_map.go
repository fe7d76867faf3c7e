package app

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"smartsend/internal/config"
	"smartsend/internal/transport"
	"smartsend/internal/transport/httpgw"
	"smartsend/internal/transport/plivo"
	"smartsend/internal/transport/telegram"
	"smartsend/pkg/logx"
)

// buildTransport constructs the configured client with its decorators.
func buildTransport(tc config.TransportConfig, reg prometheus.Registerer, log logx.Logger) (transport.Client, string, error) {
	name := strings.ToLower(strings.TrimSpace(tc.Driver))
	var (
		c   transport.Client
		err error
	)
	switch name {
	case "", "log":
		name = "log"
		c = transport.NewLog(log)
	case "http":
		if tc.HTTP == nil {
			return nil, "", fmt.Errorf("transport.http section missing")
		}
		timeout, perr := config.Duration("transport.http.timeout", tc.HTTP.Timeout)
		if perr != nil {
			return nil, "", perr
		}
		c, err = httpgw.New(httpgw.Config{URL: tc.HTTP.URL, Token: tc.HTTP.Token, Timeout: timeout, Headers: tc.HTTP.Headers})
	case "telegram":
		if tc.Telegram == nil {
			return nil, "", fmt.Errorf("transport.telegram section missing")
		}
		timeout, perr := config.Duration("transport.telegram.timeout", tc.Telegram.Timeout)
		if perr != nil {
			return nil, "", perr
		}
		c, err = telegram.New(telegram.Config{Token: tc.Telegram.Token, APIURL: tc.Telegram.APIURL, ParseMode: tc.Telegram.ParseMode, Timeout: timeout})
	case "plivo":
		if tc.Plivo == nil {
			return nil, "", fmt.Errorf("transport.plivo section missing")
		}
		timeout, perr := config.Duration("transport.plivo.timeout", tc.Plivo.Timeout)
		if perr != nil {
			return nil, "", perr
		}
		c, err = plivo.New(plivo.Config{AuthID: tc.Plivo.AuthID, AuthToken: tc.Plivo.AuthToken, Source: tc.Plivo.Source, Timeout: timeout})
	default:
		return nil, "", fmt.Errorf("unknown transport.driver: %s", tc.Driver)
	}
	if err != nil {
		return nil, "", err
	}

	if tc.Metrics {
		m, err := transport.NewMetrics(reg)
		if err != nil {
			return nil, "", err
		}
		c = transport.WithMetrics(c, name, m)
	}
	if tc.Tracing {
		c = transport.WithTracing(c, name)
	}
	return c, name, nil
}
