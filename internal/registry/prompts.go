package registry

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/models"
)

// promptFrontmatter mirrors the YAML-frontmatter + Jinja-style-body
// format documented in spec.md §6.2, structurally identical to the
// teacher's templates/parser.go AgentTemplate frontmatter.
type promptFrontmatter struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	Arguments   []models.PromptArgument `yaml:"arguments"`
}

type promptTemplate struct {
	spec models.PromptSpec
	body string
}

// PromptStore holds parsed prompt templates loaded from a directory of
// frontmatter files, with optional hot-reload.
type PromptStore struct {
	mu       sync.RWMutex
	prompts  map[string]*promptTemplate
	dir      string
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	pollOnly bool
}

func NewPromptStore() *PromptStore {
	return &PromptStore{prompts: make(map[string]*promptTemplate)}
}

// LoadDir parses every *.md file directly under dir as a prompt
// template, replacing the current set. A missing directory is not an
// error: prompts are optional.
func (p *PromptStore) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read prompts dir: %w", err)
	}

	loaded := make(map[string]*promptTemplate)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		tmpl, err := parsePromptFile(path)
		if err != nil {
			return fmt.Errorf("parse prompt %s: %w", e.Name(), err)
		}
		loaded[tmpl.spec.Name] = tmpl
	}

	p.mu.Lock()
	p.dir = dir
	p.prompts = loaded
	p.mu.Unlock()
	return nil
}

func parsePromptFile(path string) (*promptTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var fm promptFrontmatter
	if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("prompt name is required")
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("prompt description is required")
	}

	return &promptTemplate{
		spec: models.PromptSpec{
			Name:        fm.Name,
			Description: fm.Description,
			Arguments:   fm.Arguments,
		},
		body: strings.TrimSpace(string(body)),
	}, nil
}

// splitFrontmatter separates leading "---"-delimited YAML from the
// markdown body that follows it, grounded on the teacher's
// internal/templates/parser.go splitFrontmatter.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// Get returns the spec for a single prompt.
func (p *PromptStore) Get(name string) (models.PromptSpec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.prompts[name]
	if !ok {
		return models.PromptSpec{}, false
	}
	return t.spec, true
}

// List returns every loaded prompt's spec, sorted by name.
func (p *PromptStore) List() []models.PromptSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.PromptSpec, 0, len(p.prompts))
	for _, t := range p.prompts {
		out = append(out, t.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Render substitutes {{argname}} placeholders in the prompt body with
// the supplied argument values. Missing required arguments and unknown
// prompt names return structured errors per spec.md §7.
func (p *PromptStore) Render(name string, args map[string]string) (string, error) {
	p.mu.RLock()
	t, ok := p.prompts[name]
	p.mu.RUnlock()
	if !ok {
		return "", apeerr.PromptNotFoundErr(name)
	}

	for _, arg := range t.spec.Arguments {
		if arg.Required {
			if _, present := args[arg.Name]; !present {
				return "", apeerr.ValidationErr(name, fmt.Sprintf("missing required argument %q", arg.Name))
			}
		}
	}

	rendered := t.body
	for k, v := range args {
		rendered = strings.ReplaceAll(rendered, "{{"+k+"}}", v)
	}
	return rendered, nil
}

// Watch enables hot-reload of the prompt directory. It prefers
// fsnotify (grounded on internal/templates/registry.go's watchLoop);
// if the watcher cannot be created — e.g. inotify exhausted, or an
// environment without inotify support — it falls back to a 2-second
// polling loop so prompt edits are still picked up, per the Design
// Note in spec.md §9 on template hot-reload.
func (p *PromptStore) Watch(ctx context.Context, dir string) error {
	watchCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.mu.Lock()
		p.pollOnly = true
		p.mu.Unlock()
		go p.pollLoop(watchCtx, dir)
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		p.mu.Lock()
		p.pollOnly = true
		p.mu.Unlock()
		go p.pollLoop(watchCtx, dir)
		return nil
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()
	go p.watchLoop(watchCtx, watcher, dir)
	return nil
}

func (p *PromptStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			_ = p.LoadDir(dir)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *PromptStore) pollLoop(ctx context.Context, dir string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.LoadDir(dir)
		}
	}
}

// Close stops any active watcher or polling loop.
func (p *PromptStore) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
