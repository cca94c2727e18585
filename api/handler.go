package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/lumino/go-coordinator/domain"
	"github.com/lumino/go-coordinator/entities"
)

type CoordinatorProvider interface {
	SubmitCommitment(actor entities.Principal, nodeID uint64, commitment [32]byte) error
	RevealSecret(actor entities.Principal, nodeID uint64, secret []byte) error
	ElectLeader(actor entities.Principal) (entities.ElectionResult, error)
	SubmitJob(submitter entities.Principal, modelName, args string, requiredPool uint32, workUnits uint64) (entities.Job, error)
	StartAssignmentRound(actor entities.Principal) (int, error)
	ConfirmJob(actor entities.Principal, jobID uint64) error
	CompleteJob(actor entities.Principal, jobID uint64) error
	FailJob(actor entities.Principal, jobID uint64, reason string) error
	SettleEpoch(actor entities.Principal, target uint32) (entities.EpochSummary, error)
	Pause(actor entities.Principal) error
	Resume(actor entities.Principal) error
	Status() (domain.ClockStatus, error)
	CurrentLeader() (uint64, error)
	RevealRoster(epoch uint32) ([]uint64, error)
	FinalRandomValue(epoch uint32) ([32]byte, error)
	JobStatus(jobID uint64) (entities.JobStatus, error)
	AssignedNodeOf(jobID uint64) (uint64, error)
	UnconfirmedJobs(epoch uint32) ([]entities.Job, error)
}

type RegistryProvider interface {
	RegisterNode(owner entities.Principal, computeRating, poolID uint32) (entities.Node, error)
	UnregisterNode(actor entities.Principal, nodeID uint64) error
	NodeByID(nodeID uint64) (entities.Node, error)
	NodesInPool(poolID uint32) ([]entities.Node, error)
}

type FundsProvider interface {
	Deposit(principal entities.Principal, amount uint64) error
	Balance(principal entities.Principal) (uint64, error)
}

type WhitelistProvider interface {
	Allow(principal entities.Principal) error
	Revoke(principal entities.Principal) error
	IsEligible(principal entities.Principal) (bool, error)
}

type Handler struct {
	coordinator CoordinatorProvider
	registry    RegistryProvider
	funds       FundsProvider
	whitelist   WhitelistProvider
}

func NewHandler(coordinator CoordinatorProvider, registry RegistryProvider, funds FundsProvider, whitelist WhitelistProvider) *Handler {
	return &Handler{
		coordinator: coordinator,
		registry:    registry,
		funds:       funds,
		whitelist:   whitelist,
	}
}

// RegisterRoutes attaches every endpoint to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/commitments", h.PostCommitment)
	mux.HandleFunc("POST /v1/reveals", h.PostReveal)
	mux.HandleFunc("POST /v1/election", h.PostElection)
	mux.HandleFunc("POST /v1/jobs", h.PostJob)
	mux.HandleFunc("POST /v1/assignment-round", h.PostAssignmentRound)
	mux.HandleFunc("POST /v1/jobs/confirm", h.PostConfirmJob)
	mux.HandleFunc("POST /v1/jobs/complete", h.PostCompleteJob)
	mux.HandleFunc("POST /v1/jobs/fail", h.PostFailJob)
	mux.HandleFunc("POST /v1/settlement", h.PostSettlement)
	mux.HandleFunc("POST /v1/nodes", h.PostNode)
	mux.HandleFunc("POST /v1/nodes/unregister", h.PostUnregisterNode)
	mux.HandleFunc("POST /v1/deposits", h.PostDeposit)
	mux.HandleFunc("POST /v1/whitelist", h.PostWhitelist)
	mux.HandleFunc("POST /v1/pause", h.PostPause)
	mux.HandleFunc("POST /v1/resume", h.PostResume)
	mux.HandleFunc("GET /v1/status", h.GetStatus)
	mux.HandleFunc("GET /v1/leader", h.GetLeader)
	mux.HandleFunc("GET /v1/roster", h.GetRoster)
	mux.HandleFunc("GET /v1/random", h.GetRandomValue)
	mux.HandleFunc("GET /v1/jobs/status", h.GetJobStatus)
	mux.HandleFunc("GET /v1/unconfirmed", h.GetUnconfirmedJobs)
	mux.HandleFunc("GET /v1/nodes", h.GetNode)
	mux.HandleFunc("GET /v1/pools", h.GetPool)
	mux.HandleFunc("GET /v1/balances", h.GetBalance)
	mux.HandleFunc("GET /health", h.GetHealth)
}

type CommitmentRequest struct {
	Actor      string `json:"actor"`
	NodeID     uint64 `json:"nodeId"`
	Commitment string `json:"commitment"`
}

type RevealRequest struct {
	Actor  string `json:"actor"`
	NodeID uint64 `json:"nodeId"`
	Secret string `json:"secret"`
}

type ActorRequest struct {
	Actor string `json:"actor"`
}

type JobRequest struct {
	Submitter    string `json:"submitter"`
	ModelName    string `json:"modelName"`
	Args         string `json:"args"`
	RequiredPool uint32 `json:"requiredPool"`
	WorkUnits    uint64 `json:"workUnits"`
}

type JobActionRequest struct {
	Actor  string `json:"actor"`
	JobID  uint64 `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

type SettlementRequest struct {
	Actor string `json:"actor"`
	Epoch uint32 `json:"epoch"`
}

type NodeRequest struct {
	Owner         string `json:"owner"`
	ComputeRating uint32 `json:"computeRating"`
	PoolID        uint32 `json:"poolId"`
}

type UnregisterNodeRequest struct {
	Actor  string `json:"actor"`
	NodeID uint64 `json:"nodeId"`
}

type DepositRequest struct {
	Principal string `json:"principal"`
	Amount    uint64 `json:"amount"`
}

type WhitelistRequest struct {
	Principal string `json:"principal"`
	Allowed   bool   `json:"allowed"`
}

type AssignmentRoundResponse struct {
	AssignedJobs int `json:"assignedJobs"`
}

type ElectionResponse struct {
	Epoch       uint32 `json:"epoch"`
	Leader      uint64 `json:"leader"`
	RandomValue string `json:"randomValue"`
}

type JobStatusResponse struct {
	JobID        uint64 `json:"jobId"`
	Status       string `json:"status"`
	AssignedNode uint64 `json:"assignedNode,omitempty"`
}

type RosterResponse struct {
	Epoch   uint32   `json:"epoch"`
	NodeIDs []uint64 `json:"nodeIds"`
}

type RandomValueResponse struct {
	Epoch       uint32 `json:"epoch"`
	RandomValue string `json:"randomValue"`
}

type LeaderResponse struct {
	Leader uint64 `json:"leader"`
}

type BalanceResponse struct {
	Principal string `json:"principal"`
	Balance   uint64 `json:"balance"`
}

type UnconfirmedJobsResponse struct {
	Epoch uint32         `json:"epoch"`
	Jobs  []entities.Job `json:"jobs"`
}

type PoolResponse struct {
	PoolID uint32          `json:"poolId"`
	Nodes  []entities.Node `json:"nodes"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) PostCommitment(w http.ResponseWriter, r *http.Request) {
	var req CommitmentRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	commitment, err := decodeHash(req.Commitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid commitment encoding")
		return
	}

	if err := h.coordinator.SubmitCommitment(entities.Principal(req.Actor), req.NodeID, commitment); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostReveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	secret, err := hex.DecodeString(req.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid secret encoding")
		return
	}

	if err := h.coordinator.RevealSecret(entities.Principal(req.Actor), req.NodeID, secret); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostElection(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.coordinator.ElectLeader(entities.Principal(req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ElectionResponse{
		Epoch:       result.Epoch,
		Leader:      result.Leader,
		RandomValue: hex.EncodeToString(result.RandomValue[:]),
	})
}

func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	job, err := h.coordinator.SubmitJob(entities.Principal(req.Submitter), req.ModelName, req.Args, req.RequiredPool, req.WorkUnits)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) PostAssignmentRound(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	assigned, err := h.coordinator.StartAssignmentRound(entities.Principal(req.Actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AssignmentRoundResponse{AssignedJobs: assigned})
}

func (h *Handler) PostConfirmJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.coordinator.ConfirmJob)
}

func (h *Handler) PostCompleteJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.coordinator.CompleteJob)
}

func (h *Handler) PostFailJob(w http.ResponseWriter, r *http.Request) {
	var req JobActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.coordinator.FailJob(entities.Principal(req.Actor), req.JobID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) jobAction(w http.ResponseWriter, r *http.Request, action func(entities.Principal, uint64) error) {
	var req JobActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := action(entities.Principal(req.Actor), req.JobID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	summary, err := h.coordinator.SettleEpoch(entities.Principal(req.Actor), req.Epoch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) PostNode(w http.ResponseWriter, r *http.Request) {
	var req NodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	node, err := h.registry.RegisterNode(entities.Principal(req.Owner), req.ComputeRating, req.PoolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (h *Handler) PostUnregisterNode(w http.ResponseWriter, r *http.Request) {
	var req UnregisterNodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.registry.UnregisterNode(entities.Principal(req.Actor), req.NodeID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.funds.Deposit(entities.Principal(req.Principal), req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostWhitelist(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	var err error
	if req.Allowed {
		err = h.whitelist.Allow(entities.Principal(req.Principal))
	} else {
		err = h.whitelist.Revoke(entities.Principal(req.Principal))
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostPause(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.coordinator.Pause(entities.Principal(req.Actor)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostResume(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.coordinator.Resume(entities.Principal(req.Actor)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := h.coordinator.Status()
	if err != nil {
		log.Printf("Error getting status: %v", err)
		writeError(w, http.StatusInternalServerError, "error getting status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) GetLeader(w http.ResponseWriter, _ *http.Request) {
	leader, err := h.coordinator.CurrentLeader()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LeaderResponse{Leader: leader})
}

func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	epoch, ok := queryUint32(w, r, "epoch")
	if !ok {
		return
	}

	roster, err := h.coordinator.RevealRoster(epoch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RosterResponse{Epoch: epoch, NodeIDs: roster})
}

func (h *Handler) GetRandomValue(w http.ResponseWriter, r *http.Request) {
	epoch, ok := queryUint32(w, r, "epoch")
	if !ok {
		return
	}

	randomValue, err := h.coordinator.FinalRandomValue(epoch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RandomValueResponse{
		Epoch:       epoch,
		RandomValue: hex.EncodeToString(randomValue[:]),
	})
}

func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := queryUint64(w, r, "id")
	if !ok {
		return
	}

	status, err := h.coordinator.JobStatus(jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response := JobStatusResponse{JobID: jobID, Status: status.String()}
	if node, nodeErr := h.coordinator.AssignedNodeOf(jobID); nodeErr == nil {
		response.AssignedNode = node
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) GetUnconfirmedJobs(w http.ResponseWriter, r *http.Request) {
	epoch, ok := queryUint32(w, r, "epoch")
	if !ok {
		return
	}

	jobs, err := h.coordinator.UnconfirmedJobs(epoch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnconfirmedJobsResponse{Epoch: epoch, Jobs: jobs})
}

func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := queryUint64(w, r, "id")
	if !ok {
		return
	}

	node, err := h.registry.NodeByID(nodeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	poolID, ok := queryUint32(w, r, "id")
	if !ok {
		return
	}

	nodes, err := h.registry.NodesInPool(poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PoolResponse{PoolID: poolID, Nodes: nodes})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	if principal == "" {
		writeError(w, http.StatusBadRequest, "missing principal parameter")
		return
	}

	balance, err := h.funds.Balance(entities.Principal(principal))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Principal: principal, Balance: balance})
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "UP"})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func decodeHash(encoded string) ([32]byte, error) {
	var hash [32]byte
	decoded, err := hex.DecodeString(encoded)
	if err != nil {
		return hash, err
	}
	if len(decoded) != 32 {
		return hash, errors.New("expected 32 bytes")
	}
	copy(hash[:], decoded)
	return hash, nil
}

func queryUint32(w http.ResponseWriter, r *http.Request, name string) (uint32, bool) {
	value, err := strconv.ParseUint(r.URL.Query().Get(name), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return uint32(value), true
}

func queryUint64(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	value, err := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return value, true
}

// writeDomainError maps the sentinel error chain to an HTTP status code.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, entities.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, entities.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, entities.ErrPhaseViolation),
		errors.Is(err, entities.ErrAlreadyProcessed),
		errors.Is(err, entities.ErrStateTransition):
		status = http.StatusConflict
	case errors.Is(err, entities.ErrIntegrity),
		errors.Is(err, entities.ErrCapacityExceeded),
		errors.Is(err, entities.ErrNoParticipants),
		errors.Is(err, entities.ErrInsufficientStake),
		errors.Is(err, entities.ErrNotEligible):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Printf("Internal error handling request: %v", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

var _ CoordinatorProvider = (*domain.Coordinator)(nil)
