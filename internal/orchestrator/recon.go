package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/extract"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// Recon stage keys, in display order.
const (
	StageSubdomainFuzz = "subdomain_fuzz"
	StageDirBruteforce = "dir_bruteforce"
	StageTechDetect    = "tech_detect"
	StageExploitSearch = "exploit_search"
)

const (
	subdomainCodes = "200,201,202,301,302,307,401,403"
	dirCodes       = "200,201,202,204,301,302,307,401,403"
)

var schemeRE = regexp.MustCompile(`(?i)^https?://`)

// searchTermStopwords are technology names too generic to search exploits for.
var searchTermStopwords = map[string]bool{
	"html": true, "css": true, "script": true, "frame": true, "meta": true, "email": true,
}

// ReconRequest starts a parallel web recon session.
type ReconRequest struct {
	Target     string `json:"target"`
	Mode       string `json:"mode"`
	Threads    int    `json:"threads"`
	Extensions string `json:"extensions"`
	ProjectID  int64  `json:"project_id,omitempty"`
}

// DomainOf strips scheme, path and port from target.
func DomainOf(target string) string {
	t := schemeRE.ReplaceAllString(strings.TrimSpace(target), "")
	t = strings.SplitN(t, "/", 2)[0]
	return strings.SplitN(t, ":", 2)[0]
}

// URLOf defaults the scheme to http and drops trailing slashes.
func URLOf(target string) string {
	t := strings.TrimSpace(target)
	if !schemeRE.MatchString(t) {
		t = "http://" + t
	}
	return strings.TrimRight(t, "/")
}

// SearchTerms derives exploit search queries from fingerprinted
// technologies, first seen first, capped at limit.
func SearchTerms(techs []schemas.Technology, limit int) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, t := range techs {
		var term string
		switch {
		case t.Name != "" && t.Version != "":
			term = t.Name + " " + t.Version
		case t.Name != "" && !searchTermStopwords[strings.ToLower(t.Name)]:
			term = t.Name
		default:
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
		if len(out) == limit {
			break
		}
	}
	return out
}

type reconSession struct {
	mu     sync.Mutex
	view   schemas.SessionView
	index  map[string]int
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *reconSession) snapshot() schemas.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view
	v.Stages = copyStages(s.view.Stages)
	v.Results = schemas.ReconResults{
		Subdomains:   append([]schemas.Subdomain{}, s.view.Results.Subdomains...),
		Directories:  append([]schemas.Directory{}, s.view.Results.Directories...),
		Technologies: append([]schemas.Technology{}, s.view.Results.Technologies...),
		Exploits:     append([]schemas.Exploit{}, s.view.Results.Exploits...),
		ServerInfo:   s.view.Results.ServerInfo,
	}
	if v.FinishedAt != nil {
		t := *v.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func (s *reconSession) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Status != schemas.RunRunning
}

func (s *reconSession) update(key string, fn func(st *schemas.Stage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return
	}
	if s.view.Stages[i].Status.IsTerminal() {
		return
	}
	fn(&s.view.Stages[i])
}

func (s *reconSession) addStage(st schemas.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[st.Key] = len(s.view.Stages)
	s.view.Stages = append(s.view.Stages, st)
}

type reconStage struct {
	key, tool, label string
	argv             []string
}

// StartRecon launches subdomain fuzzing, directory brute forcing and
// technology detection concurrently against one target, then searches
// exploits for the detected technologies. The three tool binaries must be
// installed.
func (o *Orchestrator) StartRecon(req ReconRequest) (schemas.SessionView, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return schemas.SessionView{}, tools.ErrEmptyTarget
	}
	domain := DomainOf(target)
	url := URLOf(target)
	if domain == "" {
		return schemas.SessionView{}, tools.ErrEmptyTarget
	}
	threads := req.Threads
	if threads == 0 {
		threads = o.threads
	}
	threads = min(max(threads, 1), 100)
	mode := req.Mode
	if mode == "" {
		mode = "standard"
	}

	dirs := o.wordlists.Dirs
	if mode == "deep" && o.wordlists.DirsMedium != "" {
		dirs = o.wordlists.DirsMedium
	}

	specs := []struct {
		key, tool, label string
		params           tools.Params
	}{
		{StageSubdomainFuzz, "ffuf", "Subdomain Fuzzing (FFUF)", tools.Params{
			"target": "http://FUZZ." + domain, "wordlist": o.wordlists.Subdomains,
			"threads": threads, "mc": subdomainCodes, "auto_calibrate": true,
		}},
		{StageDirBruteforce, "gobuster_dir", "Directory Brute-force (Gobuster)", tools.Params{
			"target": url, "wordlist": dirs, "threads": threads, "status_codes": dirCodes,
			"extensions": req.Extensions, "extra_flags": "-q --no-error",
		}},
		{StageTechDetect, "whatweb", "Technology Detection (WhatWeb)", tools.Params{
			"target": url, "aggression": "3", "verbose": true,
		}},
	}

	stages := make([]reconStage, 0, len(specs))
	for _, sp := range specs {
		t, ok := o.catalog.Get(sp.tool)
		if !ok {
			return schemas.SessionView{}, fmt.Errorf("%w: %s", tools.ErrUnknownTool, sp.tool)
		}
		if _, err := o.catalog.Require(t.Binary()); err != nil {
			return schemas.SessionView{}, err
		}
		argv, err := o.catalog.Build(sp.tool, sp.params)
		if err != nil {
			return schemas.SessionView{}, fmt.Errorf("%s: %w", sp.key, err)
		}
		stages = append(stages, reconStage{key: sp.key, tool: sp.tool, label: sp.label, argv: argv})
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	sess := &reconSession{
		view: schemas.SessionView{
			ID:        o.tasks.NewTaskID(),
			Target:    target,
			Domain:    domain,
			URL:       url,
			Mode:      mode,
			Status:    schemas.RunRunning,
			StartedAt: *now(),
			Results: schemas.ReconResults{
				Subdomains:   []schemas.Subdomain{},
				Directories:  []schemas.Directory{},
				Technologies: []schemas.Technology{},
				Exploits:     []schemas.Exploit{},
			},
		},
		index:  make(map[string]int),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, st := range stages {
		sess.addStage(schemas.Stage{Key: st.key, Tool: st.tool, Label: st.label, Status: schemas.TaskPending})
	}

	err := o.spawn(func() {
		o.sessions[sess.view.ID] = sess
		o.sessionOrder = append(o.sessionOrder, sess.view.ID)
	}, func() {
		defer close(sess.done)
		defer cancel()
		o.executeRecon(ctx, sess, stages, req.ProjectID)
	})
	if err != nil {
		cancel()
		return schemas.SessionView{}, err
	}
	o.logger.Info("Recon session started", zap.String("session_id", sess.view.ID), zap.String("target", target), zap.Int("threads", threads))
	return sess.snapshot(), nil
}

func (o *Orchestrator) executeRecon(ctx context.Context, sess *reconSession, stages []reconStage, projectID int64) {
	log := o.logger.With(zap.String("session_id", sess.view.ID))
	domain := sess.view.Domain

	var g errgroup.Group
	for _, st := range stages {
		g.Go(func() error {
			sess.update(st.key, func(s *schemas.Stage) {
				s.Status = schemas.TaskRunning
				s.StartedAt = now()
			})
			view, out := o.runStage(ctx, st.argv, st.tool, nil, func(id string) {
				sess.update(st.key, func(s *schemas.Stage) { s.TaskID = id })
			})

			// Each stage's results land as soon as it finishes.
			sess.mu.Lock()
			switch st.key {
			case StageSubdomainFuzz:
				sess.view.Results.Subdomains = nonNil(extract.FfufSubdomains(out, domain))
			case StageDirBruteforce:
				sess.view.Results.Directories = nonNil(extract.Directories(out))
			case StageTechDetect:
				techs, server := extract.Technologies(out)
				sess.view.Results.Technologies = nonNil(techs)
				sess.view.Results.ServerInfo = server
			}
			sess.mu.Unlock()

			sess.update(st.key, func(s *schemas.Stage) {
				s.Status = view.Status
				s.FinishedAt = now()
			})
			o.metrics.StageFinished("recon", string(view.Status))
			o.record(projectID, view, nil)
			return nil
		})
	}
	_ = g.Wait()

	if !sess.stopped() {
		o.searchExploits(ctx, sess, projectID)
	}

	sess.mu.Lock()
	killed := sess.view.Status == schemas.RunKilled
	if !killed {
		sess.view.Status = schemas.RunCompleted
		sess.view.FinishedAt = now()
	}
	sess.view.Succeeded, sess.view.Failed = 0, 0
	for _, s := range sess.view.Stages {
		if s.Status == schemas.TaskCompleted {
			sess.view.Succeeded++
		} else {
			sess.view.Failed++
		}
	}
	succeeded, failed := sess.view.Succeeded, sess.view.Failed
	res := sess.view.Results
	sess.mu.Unlock()

	if killed {
		log.Warn("Recon session killed")
		return
	}
	log.Info("Recon session completed", zap.Int("succeeded", succeeded), zap.Int("failed", failed))
	o.publish("Web recon completed",
		fmt.Sprintf("%s: %d subdomains, %d directories, %d technologies, %d exploits",
			sess.view.Target, len(res.Subdomains), len(res.Directories), len(res.Technologies), len(res.Exploits)),
		schemas.SeveritySuccess, "web_recon", sess.view.ID)
}

// searchExploits runs one exploit search per derived term, in order. It is
// skipped when nothing was fingerprinted or the search tool is missing.
func (o *Orchestrator) searchExploits(ctx context.Context, sess *reconSession, projectID int64) {
	sess.mu.Lock()
	terms := SearchTerms(sess.view.Results.Technologies, o.maxSearchTerms)
	sess.mu.Unlock()
	if len(terms) == 0 {
		return
	}
	t, ok := o.catalog.Get("searchsploit")
	if !ok {
		return
	}
	if _, err := o.catalog.Require(t.Binary()); err != nil {
		o.logger.Debug("Skipping exploit search", zap.Error(err))
		return
	}

	sess.addStage(schemas.Stage{
		Key:         StageExploitSearch,
		Tool:        "searchsploit",
		Label:       "Exploit Search (SearchSploit)",
		Status:      schemas.TaskRunning,
		SearchTerms: terms,
		StartedAt:   now(),
	})

	var exploits []schemas.Exploit
	for _, term := range terms {
		if sess.stopped() {
			break
		}
		argv, err := o.catalog.Build("searchsploit", tools.Params{"query": term, "color": true})
		if err != nil {
			continue
		}
		view, out := o.runStage(ctx, argv, "searchsploit", nil, func(id string) {
			sess.update(StageExploitSearch, func(s *schemas.Stage) { s.TaskID = id })
		})
		exploits = append(exploits, extract.Exploits(out, term)...)
		o.record(projectID, view, nil)
	}

	sess.mu.Lock()
	sess.view.Results.Exploits = nonNil(exploits)
	sess.mu.Unlock()
	sess.update(StageExploitSearch, func(s *schemas.Stage) {
		s.Status = schemas.TaskCompleted
		s.FinishedAt = now()
	})
	o.metrics.StageFinished("recon", string(schemas.TaskCompleted))
}

func (o *Orchestrator) session(id string) (*reconSession, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// GetSession returns a snapshot of a recon session.
func (o *Orchestrator) GetSession(id string) (schemas.SessionView, error) {
	s, err := o.session(id)
	if err != nil {
		return schemas.SessionView{}, err
	}
	return s.snapshot(), nil
}

// ListSessions returns every recon session, newest first.
func (o *Orchestrator) ListSessions() []schemas.SessionView {
	o.mu.RLock()
	runs := make([]*reconSession, 0, len(o.sessionOrder))
	for _, id := range o.sessionOrder {
		runs = append(runs, o.sessions[id])
	}
	o.mu.RUnlock()

	out := make([]schemas.SessionView, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i].snapshot())
	}
	return out
}

// KillSession kills every still-running task of the session and marks the
// unfinished stages killed.
func (o *Orchestrator) KillSession(id string) error {
	s, err := o.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.view.Status != schemas.RunRunning {
		s.mu.Unlock()
		return nil
	}
	s.view.Status = schemas.RunKilled
	s.view.FinishedAt = now()
	var active []string
	for i := range s.view.Stages {
		st := &s.view.Stages[i]
		if st.Status.IsTerminal() {
			continue
		}
		if st.TaskID != "" {
			active = append(active, st.TaskID)
		}
		st.Status = schemas.TaskKilled
		st.FinishedAt = now()
	}
	s.mu.Unlock()

	s.cancel()
	var wg sync.WaitGroup
	for _, taskID := range active {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runner.Kill(taskID)
		}()
	}
	wg.Wait()
	o.logger.Warn("Recon session killed", zap.String("session_id", id), zap.Strings("tasks", active))
	return nil
}

// WaitSession blocks until the session's goroutine has returned.
func (o *Orchestrator) WaitSession(ctx context.Context, id string) (schemas.SessionView, error) {
	s, err := o.session(id)
	if err != nil {
		return schemas.SessionView{}, err
	}
	select {
	case <-s.done:
		return s.snapshot(), nil
	case <-ctx.Done():
		return s.snapshot(), ctx.Err()
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
