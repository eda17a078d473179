// Package update implements the Gateway's self-update signal protocol
// (§4.11): on an UpdateRequest, decide accept/reject/already-queued and,
// when accepted, write a one-shot JSON signal file for the host's
// update watcher to pick up. Grounded in the teacher's
// GitHubReleaseService (internal/infrastructure/services/github_release.go)
// for the mutex-guarded single-writer-state shape, with
// golang.org/x/mod/semver swapped in via internal/shared/version for
// the actual comparison.
package update

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/shared/version"
	"github.com/octoporty/octoporty/internal/wire"
)

// Signal is the JSON document written to the update signal file.
type Signal struct {
	TargetVersion  string `json:"targetVersion"`
	CurrentVersion string `json:"currentVersion"`
	RequestedBy    string `json:"requestedBy"`
	RequestedAt    string `json:"requestedAt"`
}

// Service handles Gateway-side UpdateRequest messages. Exactly one
// signal file is ever written per process lifetime, serialized by mu.
type Service struct {
	mu sync.Mutex

	allowRemoteUpdate bool
	signalPath        string
	currentVersion    string
	log               logger.Interface

	queued bool
}

// NewService constructs the update service for one Gateway process.
func NewService(allowRemoteUpdate bool, signalPath, currentVersion string, log logger.Interface) *Service {
	return &Service{
		allowRemoteUpdate: allowRemoteUpdate,
		signalPath:        signalPath,
		currentVersion:    currentVersion,
		log:               log.Named("update"),
	}
}

// HandleUpdateRequest implements the §4.11 decision table. nowFn lets
// tests pin the timestamp; production callers pass time.Now.
func (s *Service) HandleUpdateRequest(req *wire.UpdateRequest, nowFn func() time.Time) *wire.UpdateResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.allowRemoteUpdate {
		return &wire.UpdateResponse{
			Accepted:       false,
			Error:          "disabled",
			CurrentVersion: s.currentVersion,
			Status:         wire.UpdateStatusRejected,
		}
	}

	if !version.HasNewerVersion(s.currentVersion, req.TargetVersion) {
		return &wire.UpdateResponse{
			Accepted:       false,
			CurrentVersion: s.currentVersion,
			Status:         wire.UpdateStatusRejected,
		}
	}

	if s.queued {
		// Both source paths for "already queued" collapse to Accepted=true
		// per the open-questions decision: the caller has, in effect,
		// already succeeded in getting an update queued.
		return &wire.UpdateResponse{
			Accepted:       true,
			CurrentVersion: s.currentVersion,
			Status:         wire.UpdateStatusAlreadyQueued,
		}
	}

	signal := Signal{
		TargetVersion:  req.TargetVersion,
		CurrentVersion: s.currentVersion,
		RequestedBy:    req.RequestedBy,
		RequestedAt:    nowFn().UTC().Format(time.RFC3339),
	}

	if err := s.writeSignal(signal); err != nil {
		s.log.Errorw("write update signal failed", "error", err)
		return &wire.UpdateResponse{
			Accepted:       false,
			Error:          "internal error",
			CurrentVersion: s.currentVersion,
			Status:         wire.UpdateStatusRejected,
		}
	}

	s.queued = true
	s.log.Infow("update queued", "target_version", req.TargetVersion, "requested_by", req.RequestedBy)

	return &wire.UpdateResponse{
		Accepted:       true,
		CurrentVersion: s.currentVersion,
		Status:         wire.UpdateStatusQueued,
	}
}

func (s *Service) writeSignal(signal Signal) error {
	if err := os.MkdirAll(filepath.Dir(s.signalPath), 0755); err != nil {
		return fmt.Errorf("create signal directory: %w", err)
	}

	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	tmpPath := s.signalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp signal file: %w", err)
	}
	if err := os.Rename(tmpPath, s.signalPath); err != nil {
		return fmt.Errorf("rename signal file: %w", err)
	}
	return nil
}

// Queued reports whether an update has already been queued this
// process lifetime.
func (s *Service) Queued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}
