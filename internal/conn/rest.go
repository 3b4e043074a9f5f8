package conn

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
)

// RestGet issues a GET with params in the query string.
func (m *Manager) RestGet(ctx context.Context, path string, params url.Values, headers map[string]string) ([]byte, error) {
	return m.doREST(ctx, http.MethodGet, path, params, headers)
}

// RestPost issues a POST with params form-encoded in the body.
func (m *Manager) RestPost(ctx context.Context, path string, params url.Values, headers map[string]string) ([]byte, error) {
	return m.doREST(ctx, http.MethodPost, path, params, headers)
}

// RestDelete issues a DELETE with params in the query string.
func (m *Manager) RestDelete(ctx context.Context, path string, params url.Values, headers map[string]string) ([]byte, error) {
	return m.doREST(ctx, http.MethodDelete, path, params, headers)
}

func (m *Manager) newRequest(ctx context.Context, headers map[string]string) *resty.Request {
	r := m.rest.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeaders(headers)
	return r
}

// doREST returns the body of a 2xx response. Anything else becomes a
// *core.RequestError carrying the status and body.
func (m *Manager) doREST(ctx context.Context, method, path string, params url.Values, headers map[string]string) ([]byte, error) {
	r := m.newRequest(ctx, headers)
	if len(params) > 0 {
		if method == http.MethodPost || method == http.MethodPut {
			r.SetFormDataFromValues(params)
		} else {
			r.SetQueryParamsFromValues(params)
		}
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return nil, &core.RequestError{Method: method, Path: path, Err: err}
	}
	if !resp.IsSuccess() {
		m.log.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode(),
		}).Debug("rest request failed")
		return nil, &core.RequestError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode(),
			Body:   string(resp.Body()),
		}
	}
	return resp.Body(), nil
}
