package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storacha/rtracker/internal/build"
	"github.com/storacha/rtracker/internal/db/deals"
	"github.com/storacha/rtracker/internal/groups"
	"github.com/storacha/rtracker/internal/service"
)

const maxBodyBytes = 64 << 10

type roundResponse struct {
	ID                     uint64         `json:"id"`
	CreatedAt              time.Time      `json:"createdAt"`
	ContractAddress        string         `json:"contractAddress"`
	ContractRoundIndex     string         `json:"contractRoundIndex"`
	StartEpoch             *uint64        `json:"startEpoch"`
	MaxTasksPerParticipant uint64         `json:"maxTasksPerParticipant"`
	MeasurementCount       uint64         `json:"measurementCount"`
	Tasks                  []taskResponse `json:"retrievalTasks"`
}

type taskResponse struct {
	ContentID    string   `json:"cid"`
	ProviderID   string   `json:"minerId"`
	Participants []string `json:"clients"`
}

type subnetGroupRequest struct {
	Subnet string `json:"subnet"`
}

type subnetGroupResponse struct {
	GroupID string `json:"groupId"`
}

type dealRequest struct {
	ContentID     string    `json:"cid"`
	ProviderID    string    `json:"minerId"`
	ParticipantID string    `json:"clientId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type measurementsRequest struct {
	Count uint64 `json:"count"`
}

func (s *Server) getRootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "🎯 rtracker %s\n", build.Version)
		fmt.Fprint(w, "- https://github.com/storacha/rtracker\n")
	}
}

func (s *Server) getCurrentRoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		round, err := s.svc.CurrentRound(r.Context())
		if err != nil {
			handleError(w, "getting current round", err)
			return
		}
		writeJSON(w, http.StatusOK, newRoundResponse(round))
	}
}

func (s *Server) getRoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseRoundNumber(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid round id", http.StatusBadRequest)
			return
		}

		round, err := s.svc.GetRound(r.Context(), id)
		if err != nil {
			handleError(w, "getting round", err)
			return
		}
		writeJSON(w, http.StatusOK, newRoundResponse(round))
	}
}

func (s *Server) getContractRoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if !strings.HasPrefix(address, "0x") || len(address) < 3 {
			http.Error(w, "invalid contract address", http.StatusBadRequest)
			return
		}

		index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
		if err != nil {
			http.Error(w, "invalid round index", http.StatusBadRequest)
			return
		}

		round, err := s.svc.GetRoundByContract(r.Context(), address, index)
		if err != nil {
			handleError(w, "getting round by contract index", err)
			return
		}
		writeJSON(w, http.StatusOK, newRoundResponse(round))
	}
}

func (s *Server) postMeasurementsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseRoundNumber(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid round id", http.StatusBadRequest)
			return
		}

		var req measurementsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.svc.RecordMeasurements(r.Context(), id, req.Count); err != nil {
			handleError(w, "recording measurements", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) postSubnetGroupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subnetGroupRequest
		if err := decodeJSON(w, r, &req); err != nil || req.Subnet == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		groupID, err := s.svc.AssignGroup(r.Context(), req.Subnet)
		if err != nil {
			handleError(w, "assigning subnet group", err)
			return
		}
		writeJSON(w, http.StatusOK, subnetGroupResponse{GroupID: groupID})
	}
}

func (s *Server) postDealHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dealRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		err := s.svc.AddEligibleDeal(r.Context(), deals.Deal{
			Candidate: deals.Candidate{
				ContentID:     req.ContentID,
				ProviderID:    req.ProviderID,
				ParticipantID: req.ParticipantID,
			},
			ExpiresAt: req.ExpiresAt,
		})
		if err != nil {
			handleError(w, "adding eligible deal", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) getMetricsHandler() http.Handler {
	handler := promhttp.Handler()
	expected := []byte("Bearer " + s.cfg.metricsEndpointToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// handleError maps service errors to status codes. Unexpected errors are
// logged and never returned to the caller.
func handleError(w http.ResponseWriter, action string, err error) {
	var (
		notFound    service.ErrRoundNotFound
		invalidDeal service.ErrInvalidDeal
	)
	switch {
	case errors.As(err, &notFound):
		http.Error(w, notFound.Error(), http.StatusNotFound)
	case errors.As(err, &invalidDeal):
		http.Error(w, invalidDeal.Error(), http.StatusBadRequest)
	case errors.Is(err, groups.ErrExhausted):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "no group id available, retry later", http.StatusServiceUnavailable)
	default:
		log.Errorf("%s: %s", action, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// parseRoundNumber parses a positive internal round number.
func parseRoundNumber(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("round numbers start at 1")
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("sending response: %s", err)
	}
}

func newRoundResponse(round *service.RoundDetails) roundResponse {
	res := roundResponse{
		ID:                     round.ID,
		CreatedAt:              round.CreatedAt,
		ContractAddress:        round.ContractAddress,
		ContractRoundIndex:     strconv.FormatUint(round.ContractRoundIndex, 10),
		StartEpoch:             round.StartEpoch,
		MaxTasksPerParticipant: round.MaxTasksPerParticipant,
		MeasurementCount:       round.MeasurementCount,
		Tasks:                  make([]taskResponse, 0, len(round.Tasks)),
	}
	for _, t := range round.Tasks {
		res.Tasks = append(res.Tasks, taskResponse{
			ContentID:    t.ContentID,
			ProviderID:   t.ProviderID,
			Participants: t.Participants,
		})
	}
	return res
}
