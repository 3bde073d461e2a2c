package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storacha/rtracker/internal/db/deals"
	"github.com/storacha/rtracker/internal/groups"
	"github.com/storacha/rtracker/internal/service"
)

// mockService implements service.Service interface for testing
type mockService struct {
	currentRoundFunc       func(ctx context.Context) (*service.RoundDetails, error)
	getRoundFunc           func(ctx context.Context, id uint64) (*service.RoundDetails, error)
	getRoundByContractFunc func(ctx context.Context, contractAddress string, index uint64) (*service.RoundDetails, error)
	assignGroupFunc        func(ctx context.Context, subnet string) (string, error)
	addEligibleDealFunc    func(ctx context.Context, deal deals.Deal) error
	recordMeasurementsFunc func(ctx context.Context, roundID uint64, count uint64) error
}

func (m *mockService) CurrentRound(ctx context.Context) (*service.RoundDetails, error) {
	if m.currentRoundFunc != nil {
		return m.currentRoundFunc(ctx)
	}
	return nil, fmt.Errorf("mockService.CurrentRound not implemented")
}

func (m *mockService) GetRound(ctx context.Context, id uint64) (*service.RoundDetails, error) {
	if m.getRoundFunc != nil {
		return m.getRoundFunc(ctx, id)
	}
	return nil, fmt.Errorf("mockService.GetRound not implemented")
}

func (m *mockService) GetRoundByContract(ctx context.Context, contractAddress string, index uint64) (*service.RoundDetails, error) {
	if m.getRoundByContractFunc != nil {
		return m.getRoundByContractFunc(ctx, contractAddress, index)
	}
	return nil, fmt.Errorf("mockService.GetRoundByContract not implemented")
}

func (m *mockService) AssignGroup(ctx context.Context, subnet string) (string, error) {
	if m.assignGroupFunc != nil {
		return m.assignGroupFunc(ctx, subnet)
	}
	return "", fmt.Errorf("mockService.AssignGroup not implemented")
}

func (m *mockService) AddEligibleDeal(ctx context.Context, deal deals.Deal) error {
	if m.addEligibleDealFunc != nil {
		return m.addEligibleDealFunc(ctx, deal)
	}
	return fmt.Errorf("mockService.AddEligibleDeal not implemented")
}

func (m *mockService) RecordMeasurements(ctx context.Context, roundID uint64, count uint64) error {
	if m.recordMeasurementsFunc != nil {
		return m.recordMeasurementsFunc(ctx, roundID, count)
	}
	return fmt.Errorf("mockService.RecordMeasurements not implemented")
}

var _ service.Service = (*mockService)(nil)

func testRound() *service.RoundDetails {
	epoch := uint64(4_120_000)
	return &service.RoundDetails{
		ID:                     2,
		CreatedAt:              time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ContractAddress:        "0x1a",
		ContractRoundIndex:     121,
		StartEpoch:             &epoch,
		MaxTasksPerParticipant: 15,
		Tasks: []service.TaskDetails{
			{ContentID: "bafkqaaa", ProviderID: "f01", Participants: []string{"0xa", "0xb"}},
		},
	}
}

func newTestServer(t *testing.T, svc service.Service, opts ...Option) http.Handler {
	t.Helper()
	srv, err := New(svc, opts...)
	require.NoError(t, err)
	return srv.Handler()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoundHandlers(t *testing.T) {
	t.Run("current round", func(t *testing.T) {
		h := newTestServer(t, &mockService{
			currentRoundFunc: func(ctx context.Context) (*service.RoundDetails, error) {
				return testRound(), nil
			},
		})

		rec := do(h, http.MethodGet, "/rounds/current", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var res roundResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, uint64(2), res.ID)
		assert.Equal(t, "121", res.ContractRoundIndex)
		require.NotNil(t, res.StartEpoch)
		assert.Equal(t, uint64(4_120_000), *res.StartEpoch)
		require.Len(t, res.Tasks, 1)
		assert.Equal(t, []string{"0xa", "0xb"}, res.Tasks[0].Participants)
	})

	t.Run("round by id", func(t *testing.T) {
		var requested uint64
		h := newTestServer(t, &mockService{
			getRoundFunc: func(ctx context.Context, id uint64) (*service.RoundDetails, error) {
				requested = id
				return testRound(), nil
			},
		})

		rec := do(h, http.MethodGet, "/rounds/2", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uint64(2), requested)
	})

	t.Run("malformed round id", func(t *testing.T) {
		h := newTestServer(t, &mockService{})
		for _, id := range []string{"abc", "0", "-1", "1.5"} {
			rec := do(h, http.MethodGet, "/rounds/"+id, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		}
	})

	t.Run("unknown round", func(t *testing.T) {
		h := newTestServer(t, &mockService{
			getRoundFunc: func(ctx context.Context, id uint64) (*service.RoundDetails, error) {
				return nil, service.NewRoundNotFoundError("round 99 not found")
			},
		})

		rec := do(h, http.MethodGet, "/rounds/99", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("internal errors are not leaked", func(t *testing.T) {
		h := newTestServer(t, &mockService{
			getRoundFunc: func(ctx context.Context, id uint64) (*service.RoundDetails, error) {
				return nil, fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused")
			},
		})

		rec := do(h, http.MethodGet, "/rounds/1", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	})

	t.Run("round by contract index", func(t *testing.T) {
		var (
			address string
			index   uint64
		)
		h := newTestServer(t, &mockService{
			getRoundByContractFunc: func(ctx context.Context, contractAddress string, i uint64) (*service.RoundDetails, error) {
				address, index = contractAddress, i
				return testRound(), nil
			},
		})

		rec := do(h, http.MethodGet, "/rounds/contract/0x1a/121", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "0x1a", address)
		assert.Equal(t, uint64(121), index)

		rec = do(h, http.MethodGet, "/rounds/contract/0x1a/latest", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(h, http.MethodGet, "/rounds/contract/1a/121", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("record measurements", func(t *testing.T) {
		var counted uint64
		h := newTestServer(t, &mockService{
			recordMeasurementsFunc: func(ctx context.Context, roundID uint64, count uint64) error {
				counted = count
				return nil
			},
		})

		rec := do(h, http.MethodPost, "/rounds/2/measurements", `{"count": 42}`)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, uint64(42), counted)

		rec = do(h, http.MethodPost, "/rounds/2/measurements", `{"count": -1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubnetGroupHandler(t *testing.T) {
	t.Run("assigns a group", func(t *testing.T) {
		h := newTestServer(t, &mockService{
			assignGroupFunc: func(ctx context.Context, subnet string) (string, error) {
				assert.Equal(t, "203.0.113.0/24", subnet)
				return "AAECAwQFBgc", nil
			},
		})

		rec := do(h, http.MethodPost, "/subnet-groups", `{"subnet": "203.0.113.0/24"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var res subnetGroupResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, "AAECAwQFBgc", res.GroupID)
	})

	t.Run("missing subnet", func(t *testing.T) {
		h := newTestServer(t, &mockService{})
		rec := do(h, http.MethodPost, "/subnet-groups", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("exhausted ids", func(t *testing.T) {
		h := newTestServer(t, &mockService{
			assignGroupFunc: func(ctx context.Context, subnet string) (string, error) {
				return "", groups.ErrExhausted
			},
		})

		rec := do(h, http.MethodPost, "/subnet-groups", `{"subnet": "203.0.113.0/24"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})
}

func TestDealHandler(t *testing.T) {
	t.Run("adds the deal", func(t *testing.T) {
		var added deals.Deal
		h := newTestServer(t, &mockService{
			addEligibleDealFunc: func(ctx context.Context, deal deals.Deal) error {
				added = deal
				return nil
			},
		})

		rec := do(h, http.MethodPost, "/deals", `{"cid": "bafkqaaa", "minerId": "f01", "clientId": "0xa", "expiresAt": "2030-01-01T00:00:00Z"}`)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "bafkqaaa", added.ContentID)
		assert.Equal(t, "f01", added.ProviderID)
		assert.Equal(t, "0xa", added.ParticipantID)
		assert.Equal(t, 2030, added.ExpiresAt.Year())
	})

	t.Run("invalid deal", func(t *testing.T) {
		h := newTestServer(t, &mockService{
			addEligibleDealFunc: func(ctx context.Context, deal deals.Deal) error {
				return service.NewInvalidDealError("invalid content ID")
			},
		})

		rec := do(h, http.MethodPost, "/deals", `{"cid": "nope"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown fields", func(t *testing.T) {
		h := newTestServer(t, &mockService{})
		rec := do(h, http.MethodPost, "/deals", `{"content": "bafkqaaa"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRootHandler(t *testing.T) {
	h := newTestServer(t, &mockService{})

	rec := do(h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rtracker")

	rec = do(h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	h := newTestServer(t, &mockService{}, WithMetricsEndpoint("secret"))

	rec := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminHandler(t *testing.T) {
	h := newTestServer(t, &mockService{
		getRoundFunc: func(ctx context.Context, id uint64) (*service.RoundDetails, error) {
			return testRound(), nil
		},
	}, WithAdminCreds("admin", "hunter2"))

	rec := do(h, http.MethodGet, "/admin?round=2", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin?round=2", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bafkqaaa")
	assert.Contains(t, rec.Body.String(), "4120000")
}
