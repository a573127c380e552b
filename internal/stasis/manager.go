// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stasis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/tombee/campaignforge/internal/eventbus"
	"github.com/tombee/campaignforge/internal/log"
	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/internal/telephony"
)

const providerName = "stasis"

// ariEvent is the subset of an Asterisk-REST-Interface-style event envelope
// the Manager cares about: channel lifecycle notifications delivered over
// the provider's persistent per-application event WebSocket.
type ariEvent struct {
	Type    string `json:"type"`
	Channel struct {
		ID          string            `json:"id"`
		Name        string            `json:"name"`
		ChannelVars map[string]string `json:"channelvars"`
	} `json:"channel"`
	Args []string `json:"args"`
}

// ManagerConfig bounds the Manager's reload cadence and connection timing.
type ManagerConfig struct {
	// ReloadInterval is how often telephony configs are re-scanned for
	// organizations provisioned with the "stasis" provider (spec §4.10: 60s).
	ReloadInterval time.Duration
	// ChannelMappingTTL bounds how long a channel's Assignment survives in
	// the Event Bus after StasisStart.
	ChannelMappingTTL time.Duration
	// WorkerStaleAfter is how long without a heartbeat before a worker is
	// dropped from the load-balancing roster.
	WorkerStaleAfter time.Duration
	DialTimeout      time.Duration
	// ExternalMediaHost is the host:port the pipeline's media transport
	// listens on; passed to the provider's externalMedia channel creation
	// so RTP/WebSocket audio is routed back to this process.
	ExternalMediaHost string
}

type orgConnection struct {
	cancel context.CancelFunc
}

type workerState struct {
	heartbeat Heartbeat
	lastSeen  time.Time
}

// Manager is the Distributed Stasis Broker's singleton process: it holds one
// persistent event WebSocket per organization provisioned with the "stasis"
// telephony provider, turns StasisStart/StasisEnd notifications into
// bridge/external-media REST calls against that same application, and
// load-balances the resulting WorkerEvent onto whichever registered Worker
// currently reports the fewest active calls. Grounded on
// internal/orchestrator's robfig/cron "@every" reload loop (generalized here
// from a completion-monitor sweep to a telephony-config sweep) and
// internal/telephony's rate-limited RESTClient, reused here as the REST
// client for the ARI-style bridge/channel operations.
type Manager struct {
	logger *slog.Logger
	bus    eventbus.Bus
	repo   repository.Organizations
	cfg    ManagerConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	conns   map[string]*orgConnection
	workers map[string]workerState

	cron *cron.Cron
	sub  eventbus.Subscription
}

// NewManager builds a Manager. repo only needs the Organizations slice of
// the repository (GetTelephonyConfig's ListTelephonyConfigsByProvider
// sibling), so callers can pass a full repository.Repository or a narrower
// test double.
func NewManager(bus eventbus.Bus, repo repository.Organizations, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = 60 * time.Second
	}
	if cfg.ChannelMappingTTL <= 0 {
		cfg.ChannelMappingTTL = time.Hour
	}
	if cfg.WorkerStaleAfter <= 0 {
		cfg.WorkerStaleAfter = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Manager{
		logger:  log.WithProvider(logger, providerName),
		bus:     bus,
		repo:    repo,
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		conns:   make(map[string]*orgConnection),
		workers: make(map[string]workerState),
	}
}

// Start subscribes to the worker heartbeat broadcast, performs an initial
// telephony-config reload, and schedules the recurring one. It returns once
// both are running; both continue until Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.bus.Subscribe(ctx, HeartbeatChannel)
	if err != nil {
		return fmt.Errorf("stasis: subscribe %s: %w", HeartbeatChannel, err)
	}
	m.sub = sub
	go m.trackWorkers(ctx)

	if err := m.reload(ctx); err != nil {
		m.logger.Warn("stasis: initial telephony config reload failed", "error", err)
	}

	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.ReloadInterval)
	if _, err := m.cron.AddFunc(spec, func() {
		if err := m.reload(ctx); err != nil {
			m.logger.Warn("stasis: telephony config reload failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("stasis: schedule reload: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop cancels every organization's event connection and stops the reload
// schedule.
func (m *Manager) Stop() {
	if m.cron != nil {
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
	}
	if m.sub != nil {
		_ = m.sub.Close()
	}
	m.mu.Lock()
	for _, c := range m.conns {
		c.cancel()
	}
	m.conns = make(map[string]*orgConnection)
	m.mu.Unlock()
}

func (m *Manager) trackWorkers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.sub.Channel():
			if !ok {
				return
			}
			hb, err := DecodeHeartbeat(msg.Payload)
			if err != nil {
				m.logger.Warn("stasis: discarding undecodable heartbeat", "error", err)
				continue
			}
			m.mu.Lock()
			m.workers[hb.WorkerID] = workerState{heartbeat: hb, lastSeen: time.Now()}
			m.mu.Unlock()
		}
	}
}

// pickWorker returns the ready worker with the fewest active calls, or ""
// if no worker's heartbeat is currently live.
func (m *Manager) pickWorker() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := ""
	bestLoad := -1
	now := time.Now()
	for id, st := range m.workers {
		if now.Sub(st.lastSeen) > m.cfg.WorkerStaleAfter {
			continue
		}
		if st.heartbeat.Status != WorkerReady {
			continue
		}
		if bestLoad == -1 || st.heartbeat.ActiveCalls < bestLoad {
			best, bestLoad = id, st.heartbeat.ActiveCalls
		}
	}
	return best
}

// reload lists every organization configured for the stasis provider and
// makes sure each has a live event connection, tearing down connections for
// organizations no longer configured for it (spec §4.10: "every 60 seconds,
// reload telephony configs where provider is 'stasis'").
func (m *Manager) reload(ctx context.Context) error {
	configs, err := m.repo.ListTelephonyConfigsByProvider(ctx, providerName)
	if err != nil {
		return fmt.Errorf("stasis: list telephony configs: %w", err)
	}

	wanted := make(map[string]*repository.TelephonyConfig, len(configs))
	for _, c := range configs {
		wanted[c.OrganizationID] = c
	}

	var toStart []*repository.TelephonyConfig
	m.mu.Lock()
	for orgID, conn := range m.conns {
		if _, ok := wanted[orgID]; !ok {
			conn.cancel()
			delete(m.conns, orgID)
		}
	}
	for orgID, c := range wanted {
		if _, ok := m.conns[orgID]; !ok {
			m.conns[orgID] = &orgConnection{}
			toStart = append(toStart, c)
		}
	}
	m.mu.Unlock()

	for _, c := range toStart {
		connCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.conns[c.OrganizationID].cancel = cancel
		m.mu.Unlock()
		go m.runOrgConnection(connCtx, c)
	}
	return nil
}

// runOrgConnection holds one organization's persistent event WebSocket,
// reconnecting with exponential backoff until ctx is cancelled.
func (m *Manager) runOrgConnection(ctx context.Context, cfg *repository.TelephonyConfig) {
	logger := m.logger.With("organization_id", cfg.OrganizationID)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.connectAndServe(ctx, cfg, logger); err != nil {
			logger.Warn("stasis: event connection dropped", "error", err)
		} else {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Manager) connectAndServe(ctx context.Context, cfg *repository.TelephonyConfig, logger *slog.Logger) error {
	wsURL, ok := cfg.AuthCredentials["events_url"]
	if !ok || wsURL == "" {
		return fmt.Errorf("organization %s telephony config has no events_url credential", cfg.OrganizationID)
	}

	conn, _, err := m.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial event websocket: %w", err)
	}
	defer conn.Close()

	// ReadMessage blocks with no context awareness; closing the connection
	// from a watcher goroutine is the only way to unblock it on shutdown.
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closed:
		}
	}()

	rest := m.restClient(cfg)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var evt ariEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			logger.Warn("stasis: discarding undecodable event", "error", err)
			continue
		}
		m.handleARIEvent(ctx, cfg, rest, evt, logger)
	}
}

func (m *Manager) restClient(cfg *repository.TelephonyConfig) *telephony.RESTClient {
	baseURL := cfg.AuthCredentials["ari_base_url"]
	return telephony.NewRESTClient(providerName, baseURL, 15*time.Second, 0)
}

func (m *Manager) authHeaders(cfg *repository.TelephonyConfig) map[string]string {
	user, pass := cfg.AuthCredentials["username"], cfg.AuthCredentials["password"]
	if user == "" {
		return nil
	}
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return map[string]string{"Authorization": "Basic " + token}
}

func (m *Manager) handleARIEvent(ctx context.Context, cfg *repository.TelephonyConfig, rest *telephony.RESTClient, evt ariEvent, logger *slog.Logger) {
	switch evt.Type {
	case "StasisStart":
		m.handleStasisStart(ctx, cfg, rest, evt, logger)
	case "StasisEnd":
		m.handleStasisEnd(ctx, rest, evt, logger)
	}
}

func (m *Manager) handleStasisStart(ctx context.Context, cfg *repository.TelephonyConfig, rest *telephony.RESTClient, evt ariEvent, logger *slog.Logger) {
	channelID := evt.Channel.ID
	logger = logger.With("channel_id", channelID)
	headers := m.authHeaders(cfg)

	bridgeID, err := m.createBridge(ctx, rest, headers)
	if err != nil {
		logger.Error("stasis: create bridge failed", "error", err)
		return
	}
	if err := m.addChannelToBridge(ctx, rest, headers, bridgeID, channelID); err != nil {
		logger.Error("stasis: add channel to bridge failed", "error", err)
		return
	}
	externalMediaID, err := m.createExternalMediaChannel(ctx, rest, headers, bridgeID)
	if err != nil {
		logger.Error("stasis: create external media channel failed", "error", err)
		return
	}
	if err := m.answerChannel(ctx, rest, headers, channelID); err != nil {
		logger.Warn("stasis: answer channel failed", "error", err)
	}

	workerID := m.pickWorker()
	if workerID == "" {
		logger.Error("stasis: no ready worker available, leaving channel bridged but unassigned")
		return
	}

	assignment := Assignment{WorkerID: workerID, BridgeID: bridgeID, ExternalMediaChannelID: externalMediaID}
	if payload, err := assignment.Encode(); err == nil {
		_ = m.bus.Set(ctx, AssignmentKey(channelID), payload, m.cfg.ChannelMappingTTL)
	}

	workflowRunID := evt.Channel.ChannelVars["WORKFLOW_RUN_ID"]
	workflowID := evt.Channel.ChannelVars["WORKFLOW_ID"]
	userID := evt.Channel.ChannelVars["USER_ID"]

	workerEvt := WorkerEvent{
		Type:           EventStasisStart,
		ChannelID:      channelID,
		BridgeID:       bridgeID,
		ExternalMedia:  externalMediaID,
		WorkflowRunID:  workflowRunID,
		WorkflowID:     workflowID,
		UserID:         userID,
		OrganizationID: cfg.OrganizationID,
		Timestamp:      time.Now(),
	}
	payload, err := workerEvt.Encode()
	if err != nil {
		logger.Error("stasis: encode worker event failed", "error", err)
		return
	}
	if err := m.bus.Publish(ctx, WorkerChannel(workerID), payload); err != nil {
		logger.Error("stasis: dispatch to worker failed", "worker_id", workerID, "error", err)
	}
}

func (m *Manager) handleStasisEnd(ctx context.Context, rest *telephony.RESTClient, evt ariEvent, logger *slog.Logger) {
	channelID := evt.Channel.ID
	logger = logger.With("channel_id", channelID)

	raw, err := m.bus.Get(ctx, AssignmentKey(channelID))
	if err != nil {
		logger.Warn("stasis: no assignment found for ended channel", "error", err)
		return
	}
	assignment, err := DecodeAssignment(raw)
	if err != nil {
		logger.Warn("stasis: undecodable assignment", "error", err)
		return
	}

	workerEvt := WorkerEvent{
		Type:          EventStasisEnd,
		ChannelID:     channelID,
		BridgeID:      assignment.BridgeID,
		ExternalMedia: assignment.ExternalMediaChannelID,
		Timestamp:     time.Now(),
	}
	if payload, err := workerEvt.Encode(); err == nil {
		if err := m.bus.Publish(ctx, WorkerChannel(assignment.WorkerID), payload); err != nil {
			logger.Error("stasis: dispatch end event to worker failed", "worker_id", assignment.WorkerID, "error", err)
		}
	}

	// Tear down the bridge. A 404 here means the channel/bridge already
	// disappeared on its own (hangup raced the StasisEnd notification) and
	// is not an error worth logging loudly.
	if err := m.destroyBridge(ctx, rest, assignment.BridgeID); err != nil {
		if restErr, ok := asRESTError(err); !ok || restErr.StatusCode != 404 {
			logger.Warn("stasis: destroy bridge failed", "error", err)
		}
	}
	_ = m.bus.Delete(ctx, AssignmentKey(channelID))
}

func asRESTError(err error) (*telephony.RESTError, bool) {
	restErr, ok := err.(*telephony.RESTError)
	return restErr, ok
}

func (m *Manager) createBridge(ctx context.Context, rest *telephony.RESTClient, headers map[string]string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if _, err := rest.Do(ctx, "POST", "/bridges?type=mixing", headers, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (m *Manager) addChannelToBridge(ctx context.Context, rest *telephony.RESTClient, headers map[string]string, bridgeID, channelID string) error {
	path := fmt.Sprintf("/bridges/%s/addChannel?channel=%s", bridgeID, channelID)
	_, err := rest.Do(ctx, "POST", path, headers, nil, nil)
	return err
}

func (m *Manager) createExternalMediaChannel(ctx context.Context, rest *telephony.RESTClient, headers map[string]string, bridgeID string) (string, error) {
	host := m.cfg.ExternalMediaHost
	path := fmt.Sprintf("/channels/externalMedia?app=%s&external_host=%s&format=slin16", providerName, host)
	var out struct {
		ID string `json:"id"`
	}
	if _, err := rest.Do(ctx, "POST", path, headers, nil, &out); err != nil {
		return "", err
	}
	if err := m.addChannelToBridge(ctx, rest, headers, bridgeID, out.ID); err != nil {
		return out.ID, err
	}
	return out.ID, nil
}

func (m *Manager) answerChannel(ctx context.Context, rest *telephony.RESTClient, headers map[string]string, channelID string) error {
	path := fmt.Sprintf("/channels/%s/answer", channelID)
	_, err := rest.Do(ctx, "POST", path, headers, nil, nil)
	return err
}

func (m *Manager) destroyBridge(ctx context.Context, rest *telephony.RESTClient, bridgeID string) error {
	if bridgeID == "" {
		return nil
	}
	path := fmt.Sprintf("/bridges/%s", bridgeID)
	_, err := rest.Do(ctx, "DELETE", path, nil, nil, nil)
	return err
}
