package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/internal/ingress"
	"github.com/alvesdmateus/deployctl/internal/source"
	"github.com/alvesdmateus/deployctl/internal/supervisor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

type logLine struct {
	Level   models.LogLevel
	Message string
	Meta    map[string]any
}

// fakeStore keeps one deployment context in memory and applies patches to it
type fakeStore struct {
	mu        sync.Mutex
	contexts  map[uuid.UUID]*models.DeploymentContext
	patches   []models.StatusPatch
	versions  []models.VersionRecord
	activated []uuid.UUID
	logs      []logLine
}

func newFakeStore(contexts ...*models.DeploymentContext) *fakeStore {
	s := &fakeStore{contexts: map[uuid.UUID]*models.DeploymentContext{}}
	for _, dctx := range contexts {
		s.contexts[dctx.Deployment.ID] = dctx
	}
	return s
}

func (s *fakeStore) LoadContext(_ context.Context, id uuid.UUID) (*models.DeploymentContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dctx, ok := s.contexts[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, models.ErrNotFound)
	}
	clone := *dctx
	return &clone, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, patch models.StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dctx, ok := s.contexts[id]
	if !ok {
		return fmt.Errorf("deployment %s: %w", id, models.ErrNotFound)
	}
	if patch.Status != nil {
		dctx.Deployment.Status = *patch.Status
	}
	if patch.ActiveSlot != nil {
		dctx.Deployment.ActiveSlot = *patch.ActiveSlot
	}
	if patch.Dockerized != nil {
		dctx.Deployment.Dockerized = *patch.Dockerized
	}
	s.patches = append(s.patches, patch)
	return nil
}

func (s *fakeStore) RecordVersion(_ context.Context, _ uuid.UUID, record models.VersionRecord) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = uuid.New()
	s.versions = append(s.versions, record)
	return record.ID, nil
}

func (s *fakeStore) ActivateVersion(_ context.Context, _ uuid.UUID, versionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = append(s.activated, versionID)
	return nil
}

func (s *fakeStore) AppendLog(_ context.Context, _ uuid.UUID, level models.LogLevel, message string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, logLine{Level: level, Message: message, Meta: meta})
	return nil
}

func (s *fakeStore) statuses() []models.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeploymentStatus
	for _, patch := range s.patches {
		if patch.Status != nil {
			out = append(out, *patch.Status)
		}
	}
	return out
}

func (s *fakeStore) current(id uuid.UUID) models.DeploymentSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[id].Deployment
}

func (s *fakeStore) hasLog(level models.LogLevel, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.logs {
		if line.Level == level && line.Message == message {
			return true
		}
	}
	return false
}

func (s *fakeStore) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.logs))
	for _, line := range s.logs {
		out = append(out, line.Message)
	}
	return out
}

// memBackend is an in-memory host
type memBackend struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]time.Time
	clock    time.Time
	commands []string
	failures map[string]error
}

func newMemBackend() *memBackend {
	return &memBackend{
		files:    map[string][]byte{},
		dirs:     map[string]time.Time{},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		failures: map[string]error{},
	}
}

func (b *memBackend) Run(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	line := cmd.String()
	b.commands = append(b.commands, line)
	for prefix, err := range b.failures {
		if strings.HasPrefix(line, prefix) {
			return nil, err
		}
	}
	return &executor.Result{}, nil
}

func (b *memBackend) ReadFile(_ context.Context, p string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (b *memBackend) WriteFile(_ context.Context, p string, data []byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[p] = data
	return nil
}

func (b *memBackend) Exists(_ context.Context, p string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.files[p]; ok {
		return true, nil
	}
	_, ok := b.dirs[p]
	return ok, nil
}

func (b *memBackend) MkdirAll(_ context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = b.clock.Add(time.Second)
	b.dirs[p] = b.clock
	return nil
}

func (b *memBackend) RemoveAll(_ context.Context, p string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name := range b.files {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(b.files, name)
		}
	}
	for name := range b.dirs {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(b.dirs, name)
		}
	}
	return nil
}

func (b *memBackend) ListDirs(_ context.Context, p string) ([]executor.DirEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var entries []executor.DirEntry
	for name, modTime := range b.dirs {
		if path.Dir(name) == p {
			entries = append(entries, executor.DirEntry{Name: path.Base(name), ModTime: modTime})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.After(entries[j].ModTime) })
	return entries, nil
}

func (b *memBackend) Remote() bool { return false }
func (b *memBackend) Close() error { return nil }

func (b *memBackend) ran(prefix string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range b.commands {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// fakeFetcher materializes a fixed file set into the checkout directory
type fakeFetcher struct {
	backend *memBackend
	files   map[string]string
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, req source.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if err := f.backend.MkdirAll(ctx, req.Dir); err != nil {
		return "", err
	}
	for name, content := range f.files {
		if err := f.backend.WriteFile(ctx, path.Join(req.Dir, name), []byte(content), false); err != nil {
			return "", err
		}
	}
	return "0123abcd", nil
}

// fakeSupervisor records lifecycle calls
type fakeSupervisor struct {
	mu       sync.Mutex
	started  []supervisor.Spec
	resumed  []string
	stopped  []string
	removed  []string
	state    supervisor.State
	failures map[string]error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{state: supervisor.StateRunning, failures: map[string]error{}}
}

func (s *fakeSupervisor) Start(_ context.Context, spec supervisor.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["start"]; err != nil {
		return err
	}
	s.started = append(s.started, spec)
	return nil
}

func (s *fakeSupervisor) Resume(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["resume"]; err != nil {
		return err
	}
	s.resumed = append(s.resumed, name)
	return nil
}

func (s *fakeSupervisor) Stop(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["stop"]; err != nil {
		return err
	}
	s.stopped = append(s.stopped, name)
	return nil
}

func (s *fakeSupervisor) Status(_ context.Context, _ string) (supervisor.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["status"]; err != nil {
		return supervisor.StateUnknown, err
	}
	return s.state, nil
}

func (s *fakeSupervisor) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["remove"]; err != nil {
		return err
	}
	s.removed = append(s.removed, name)
	return nil
}

// fakeIngress records configure requests
type fakeIngress struct {
	mu       sync.Mutex
	requests []ingress.Request
	removed  []uuid.UUID
	reloads  int
	result   ingress.Result
	err      error
}

func (i *fakeIngress) Configure(_ context.Context, req ingress.Request) (*ingress.Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	i.requests = append(i.requests, req)
	result := i.result
	return &result, nil
}

func (i *fakeIngress) Remove(_ context.Context, id uuid.UUID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removed = append(i.removed, id)
	return nil
}

func (i *fakeIngress) Reload(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reloads++
	return nil
}

// fixedResolver hands out the same fake host for every deployment
type fixedResolver struct {
	backend   *memBackend
	fetcher   *fakeFetcher
	ingress   *fakeIngress
	runtime   *fakeSupervisor
	container *fakeSupervisor
	err       error
}

func (r *fixedResolver) Resolve(context.Context, *models.DeploymentContext, *DeploymentLogger) (*Target, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &Target{
		Backend:   r.backend,
		Fetcher:   r.fetcher,
		Ingress:   r.ingress,
		Runtime:   r.runtime,
		Container: r.container,
		BuildsDir: "/srv/builds",
	}, nil
}

var errBoom = errors.New("boom")
