// Package docker runs compute units as Docker containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/supervisor"
)

const (
	containerPrefix = "edge-"
	appMount        = "/app"
	defaultPort     = 3000
	stopTimeout     = 10 * time.Second

	labelManaged    = "peep.edge.managed"
	labelComputeID  = "peep.edge.compute-id"
	labelCustomerID = "peep.edge.customer-id"
	labelPort       = "peep.edge.port"
)

var defaultImages = map[domain.Framework]string{
	domain.FrameworkNode:     "node:20-alpine",
	domain.FrameworkNext:     "node:20-alpine",
	domain.FrameworkNuxt:     "node:20-alpine",
	domain.FrameworkExpress:  "node:20-alpine",
	domain.FrameworkReactSSR: "node:20-alpine",
	domain.FrameworkPython:   "python:3.12-slim",
	domain.FrameworkDjango:   "python:3.12-slim",
	domain.FrameworkFlask:    "python:3.12-slim",
	domain.FrameworkFastAPI:  "python:3.12-slim",
	domain.FrameworkGo:       "golang:1.25-alpine",
	domain.FrameworkPHP:      "php:8.3-cli",
	domain.FrameworkRuby:     "ruby:3.3-slim",
	domain.FrameworkRails:    "ruby:3.3-slim",
	domain.FrameworkDocker:   "alpine:3.20",
}

var defaultCommands = map[domain.Framework]string{
	domain.FrameworkNode:     "npm start",
	domain.FrameworkNext:     "npm start",
	domain.FrameworkNuxt:     "npm start",
	domain.FrameworkExpress:  "npm start",
	domain.FrameworkReactSSR: "npm start",
	domain.FrameworkPython:   "python app.py",
	domain.FrameworkDjango:   "python manage.py runserver 0.0.0.0:$PORT",
	domain.FrameworkFlask:    "flask run --host 0.0.0.0 --port $PORT",
	domain.FrameworkFastAPI:  "uvicorn main:app --host 0.0.0.0 --port $PORT",
	domain.FrameworkGo:       "go run .",
	domain.FrameworkPHP:      "php -S 0.0.0.0:$PORT",
	domain.FrameworkRuby:     "ruby app.rb",
	domain.FrameworkRails:    "bin/rails server -b 0.0.0.0 -p $PORT",
}

// Config tunes the supervisor.
type Config struct {
	// Host is the address the edge dials to reach published ports.
	Host        string
	IdleTimeout time.Duration
	Images      map[domain.Framework]string
}

// Supervisor implements supervisor.Supervisor on a Docker engine.
type Supervisor struct {
	engine engine
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	mu         sync.Mutex
	lastAccess map[string]time.Time
	domains    map[string][]string
	ports      map[string]nat.Port
}

var _ supervisor.Supervisor = (*Supervisor)(nil)

// New constructs a Supervisor around a Docker client.
func New(client *Client, cfg Config, logger *slog.Logger) *Supervisor {
	return newSupervisor(client, cfg, logger)
}

func newSupervisor(e engine, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	images := make(map[domain.Framework]string, len(defaultImages))
	for fw, image := range defaultImages {
		images[fw] = image
	}
	for fw, image := range cfg.Images {
		images[fw] = image
	}
	cfg.Images = images
	return &Supervisor{
		engine:     e,
		cfg:        cfg,
		logger:     logger.With("component", "docker_supervisor"),
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
		lastAccess: make(map[string]time.Time),
		domains:    make(map[string][]string),
		ports:      make(map[string]nat.Port),
	}
}

func containerName(id string) string { return containerPrefix + id }

func (s *Supervisor) lockFor(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// State inspects the container backing id.
func (s *Supervisor) State(ctx context.Context, id string) (domain.ComputeState, error) {
	info, err := s.engine.Inspect(ctx, containerName(id), s.portFor(id, nil))
	if err != nil {
		if errors.Is(err, errContainerNotFound) {
			return domain.ComputeState{}, fmt.Errorf("%w: compute unit %s", domain.ErrNotFound, id)
		}
		return domain.ComputeState{}, err
	}
	if p, ok := info.Labels[labelPort]; ok && info.HostPort == 0 {
		// Edge restarted: recover the container port from labels.
		if port, err := nat.NewPort("tcp", p); err == nil {
			s.mu.Lock()
			s.ports[id] = port
			s.mu.Unlock()
			if again, err := s.engine.Inspect(ctx, containerName(id), port); err == nil {
				info = again
			}
		}
	}
	return s.stateFrom(id, info), nil
}

// Spawn starts a unit for spec unless one is already running.
func (s *Supervisor) Spawn(ctx context.Context, spec domain.ComputeSpec) (domain.ComputeState, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return domain.ComputeState{}, fmt.Errorf("%w: compute id required", domain.ErrValidation)
	}
	lock := s.lockFor(spec.ID)
	lock.Lock()
	defer lock.Unlock()

	port := s.portFor(spec.ID, &spec)
	if info, err := s.engine.Inspect(ctx, containerName(spec.ID), port); err == nil && info.Running && info.HostPort > 0 {
		s.touch(spec.ID)
		return s.stateFrom(spec.ID, info), nil
	}

	run, err := s.runSpec(spec, port)
	if err != nil {
		return domain.ComputeState{}, err
	}
	if err := s.engine.Remove(ctx, run.Name); err != nil {
		s.logger.Warn("remove stale container failed", "compute_id", spec.ID, "error", err)
	}
	info, err := s.engine.Run(ctx, run)
	if err != nil {
		return domain.ComputeState{}, fmt.Errorf("%w: spawn %s: %v", domain.ErrUpstream, spec.ID, err)
	}
	if info.HostPort == 0 {
		_ = s.engine.Remove(ctx, run.Name)
		return domain.ComputeState{}, fmt.Errorf("%w: spawn %s: no host port published", domain.ErrUpstream, spec.ID)
	}
	s.mu.Lock()
	if len(spec.Domains) > 0 {
		s.domains[spec.ID] = append([]string(nil), spec.Domains...)
	}
	s.mu.Unlock()
	s.touch(spec.ID)
	s.logger.Info("compute unit started", "compute_id", spec.ID, "image", run.Image, "host_port", info.HostPort)
	return s.stateFrom(spec.ID, info), nil
}

func (s *Supervisor) runSpec(spec domain.ComputeSpec, port nat.Port) (runSpec, error) {
	image, ok := s.cfg.Images[spec.Framework]
	if !ok {
		return runSpec{}, fmt.Errorf("%w: no image for framework %q", domain.ErrValidation, spec.Framework)
	}
	command := strings.TrimSpace(spec.StartCommand)
	if command == "" {
		command = defaultCommands[spec.Framework]
	}
	var cmd []string
	if command != "" {
		cmd = []string{"sh", "-c", command}
	}

	env := make([]string, 0, len(spec.Env)+2)
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	env = append(env, "PORT="+port.Port())
	if spec.Development {
		env = append(env, "NODE_ENV=development")
	} else {
		env = append(env, "NODE_ENV=production")
	}

	run := runSpec{
		Name:       containerName(spec.ID),
		Image:      image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: appMount,
		Port:       port,
		Labels: map[string]string{
			labelManaged:    "true",
			labelComputeID:  spec.ID,
			labelCustomerID: spec.CustomerID,
			labelPort:       port.Port(),
		},
	}
	if spec.Path != "" {
		run.Binds = []string{spec.Path + ":" + appMount}
	}
	if strings.TrimSpace(spec.Memory) != "" {
		bytes, err := units.RAMInBytes(spec.Memory)
		if err != nil {
			return runSpec{}, fmt.Errorf("%w: memory %q: %v", domain.ErrValidation, spec.Memory, err)
		}
		run.MemoryBytes = bytes
	}
	if strings.TrimSpace(spec.CPU) != "" {
		cpus, err := parseCPU(spec.CPU)
		if err != nil {
			return runSpec{}, fmt.Errorf("%w: cpu %q: %v", domain.ErrValidation, spec.CPU, err)
		}
		run.NanoCPUs = cpus
	}
	return run, nil
}

// parseCPU accepts "0.5", "2" or millicores like "500m".
func parseCPU(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "m") {
		milli, err := strconv.ParseInt(strings.TrimSuffix(raw, "m"), 10, 64)
		if err != nil || milli <= 0 {
			return 0, fmt.Errorf("invalid millicores")
		}
		return milli * 1_000_000, nil
	}
	cpus, err := strconv.ParseFloat(raw, 64)
	if err != nil || cpus <= 0 {
		return 0, fmt.Errorf("invalid cpu count")
	}
	return int64(cpus * 1e9), nil
}

// Stop stops and removes the unit for id.
func (s *Supervisor) Stop(ctx context.Context, id, reason string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	name := containerName(id)
	if err := s.engine.Stop(ctx, name, stopTimeout); err != nil {
		s.logger.Warn("graceful stop failed", "compute_id", id, "error", err)
	}
	if err := s.engine.Remove(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.lastAccess, id)
	delete(s.domains, id)
	delete(s.ports, id)
	s.mu.Unlock()
	s.logger.Info("compute unit stopped", "compute_id", id, "reason", reason)
	return nil
}

// UpdateDomains records the domains served by id.
func (s *Supervisor) UpdateDomains(_ context.Context, id string, domains []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[id] = append([]string(nil), domains...)
	return nil
}

// Domains returns the domains last pushed for id.
func (s *Supervisor) Domains(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.domains[id]...)
}

// TouchLastAccess marks id as recently used.
func (s *Supervisor) TouchLastAccess(_ context.Context, id string) error {
	s.touch(id)
	return nil
}

func (s *Supervisor) touch(id string) {
	s.mu.Lock()
	s.lastAccess[id] = s.now()
	s.mu.Unlock()
}

// RunReaper stops units idle longer than the configured timeout until ctx is
// cancelled. A zero timeout disables reaping.
func (s *Supervisor) RunReaper(ctx context.Context, interval time.Duration) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapIdle(ctx)
		}
	}
}

func (s *Supervisor) reapIdle(ctx context.Context) {
	containers, err := s.engine.ListManaged(ctx)
	if err != nil {
		s.logger.Warn("list managed containers failed", "error", err)
		return
	}
	now := s.now()
	for _, c := range containers {
		id := c.Labels[labelComputeID]
		if id == "" || !c.Running {
			continue
		}
		s.mu.Lock()
		last, seen := s.lastAccess[id]
		if !seen {
			// Unknown since restart: start the idle clock now.
			s.lastAccess[id] = now
		}
		s.mu.Unlock()
		if seen && now.Sub(last) >= s.cfg.IdleTimeout {
			if err := s.Stop(ctx, id, "idle timeout"); err != nil {
				s.logger.Warn("idle stop failed", "compute_id", id, "error", err)
			}
		}
	}
}

func (s *Supervisor) portFor(id string, spec *domain.ComputeSpec) nat.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec != nil {
		p := spec.Port
		if p <= 0 {
			p = defaultPort
		}
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		s.ports[id] = port
		return port
	}
	if port, ok := s.ports[id]; ok {
		return port
	}
	return nat.Port(strconv.Itoa(defaultPort) + "/tcp")
}

func (s *Supervisor) stateFrom(id string, info containerInfo) domain.ComputeState {
	s.mu.Lock()
	last := s.lastAccess[id]
	s.mu.Unlock()
	return domain.ComputeState{
		ID:         id,
		Host:       s.cfg.Host,
		Port:       info.HostPort,
		Running:    info.Running && info.HostPort > 0,
		LastAccess: last,
	}
}
