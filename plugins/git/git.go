// Package git is the git history plugin. It reads the workspace repository
// with go-git: git:commit mentions inline commit details into the context
// prompt and the git_log agent returns the recent commits touching a path.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/plugin"
)

// ID is the plugin id.
const ID core.PluginID = "git"

// MentionCommit is the mention kind referencing a commit.
const MentionCommit = "commit"

// CommandLog returns recent commits. Optional arguments: path, limit.
const CommandLog = "git.log"

// ErrCommitNotFound is returned when a revision does not resolve.
var ErrCommitNotFound = errors.New("git: commit not found")

// Options configures the plugin.
type Options struct {
	// Path is a directory inside the repository.
	Path string
	// Limit is the default number of commits returned by git_log.
	Limit int
}

// Commit describes one commit.
type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Email   string    `json:"email,omitempty"`
	When    time.Time `json:"when"`
	Subject string    `json:"subject"`
	Message string    `json:"message,omitempty"`
	Files   []string  `json:"files,omitempty"`
}

// State lists the commits mentioned in a turn.
type State struct {
	Commits []string `json:"commits"`
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Info
	opts Options
	log  logging.Logger

	mu   sync.Mutex
	repo *gogit.Repository
}

// New creates the plugin.
func New(optFns ...func(o *Options)) *Plugin {
	opts := Options{Path: ".", Limit: 10}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Plugin{
		Info: plugin.Info{PluginID: ID, PluginVersion: "1.0.0"},
		opts: opts,
		log:  logging.NoOpLogger{},
	}
}

// Activate opens the repository and registers the capabilities.
func (p *Plugin) Activate(_ context.Context, pctx *plugin.Context) error {
	p.log = pctx.Logger()

	repo, err := gogit.PlainOpenWithOptions(p.opts.Path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("open repository %s: %w", p.opts.Path, err)
	}

	p.mu.Lock()
	p.repo = repo
	p.mu.Unlock()

	if err := plugin.Provide(pctx, capability.ChatStrategyKey, p.strategy); err != nil {
		return err
	}

	if err := plugin.Provide(pctx, capability.MentionUtilsKey, p.mentionUtils); err != nil {
		return err
	}

	return pctx.RegisterCommand(CommandLog, func(ctx context.Context, args ...any) (any, error) {
		var (
			path  string
			limit int
		)

		if len(args) > 0 {
			path, _ = args[0].(string)
		}

		if len(args) > 1 {
			limit, _ = args[1].(int)
		}

		return p.Log(ctx, path, limit)
	})
}

// Deactivate releases the repository handle.
func (p *Plugin) Deactivate(context.Context) error {
	p.mu.Lock()
	p.repo = nil
	p.mu.Unlock()

	return nil
}

func (p *Plugin) repository() (*gogit.Repository, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo == nil {
		return nil, errors.New("git: repository not open")
	}

	return p.repo, nil
}

// Resolve returns the commit a revision (full or abbreviated hash, branch,
// HEAD) points to.
func (p *Plugin) Resolve(rev string) (*Commit, error) {
	repo, err := p.repository()
	if err != nil {
		return nil, err
	}

	c, err := resolve(repo, rev)
	if err != nil {
		return nil, err
	}

	return toCommit(c, true), nil
}

func resolve(repo *gogit.Repository, rev string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, rev)
	}

	c, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, rev)
	}

	return c, nil
}

// Log returns up to limit commits reachable from HEAD, newest first. A
// non-empty path keeps only commits touching that file or directory.
func (p *Plugin) Log(ctx context.Context, path string, limit int) ([]Commit, error) {
	repo, err := p.repository()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = p.opts.Limit
	}

	opts := &gogit.LogOptions{Order: gogit.LogOrderCommitterTime}
	if path = strings.Trim(strings.TrimPrefix(path, "./"), "/"); path != "" && path != "." {
		opts.PathFilter = func(name string) bool {
			return name == path || strings.HasPrefix(name, path+"/")
		}
	}

	iter, err := repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	defer iter.Close()

	var out []Commit

	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(out) >= limit {
			return io.EOF
		}

		out = append(out, *toCommit(c, false))

		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return out, nil
}

func toCommit(c *object.Commit, withFiles bool) *Commit {
	out := &Commit{
		Hash:    c.Hash.String(),
		Author:  c.Author.Name,
		Email:   c.Author.Email,
		When:    c.Author.When.UTC(),
		Subject: subject(c.Message),
		Message: strings.TrimSpace(c.Message),
	}

	if withFiles {
		if stats, err := c.Stats(); err == nil {
			for _, s := range stats {
				out.Files = append(out.Files, s.Name)
			}
		}
	}

	return out
}

func subject(msg string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	return line
}

func (p *Plugin) mentionUtils() *capability.MentionUtilsProvider {
	return &capability.MentionUtilsProvider{
		RefreshMentionFns: func(context.Context) (map[string]capability.RefreshMentionFunc, error) {
			return map[string]capability.RefreshMentionFunc{
				string(ID) + ":" + MentionCommit: p.refreshCommit,
			}, nil
		},
	}
}

// refreshCommit re-resolves the commit metadata by hash. Unknown commits
// are flagged missing instead of failing the turn.
func (p *Plugin) refreshCommit(_ context.Context, m core.Mention) (core.Mention, error) {
	hash := m.String("hash")

	c, err := p.Resolve(hash)
	if err != nil {
		if errors.Is(err, ErrCommitNotFound) {
			return m.With("hash", hash).With("missing", true), nil
		}

		return m, err
	}

	return m.With("hash", c.Hash).
		With("subject", c.Subject).
		With("author", c.Author).
		With("when", c.When), nil
}

func (p *Plugin) strategy() *capability.ChatStrategyProvider {
	return &capability.ChatStrategyProvider{
		BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
			return "Use git_log to inspect the commit history of workspace paths.\n", nil
		},
		BuildPluginStates: func(_ context.Context, mentions []core.Mention) (map[string]any, error) {
			var st State
			for _, m := range mentions {
				if m.Type != string(ID)+":"+MentionCommit {
					continue
				}

				if h := m.String("hash"); h != "" && !slices.Contains(st.Commits, h) {
					st.Commits = append(st.Commits, h)
				}
			}

			if len(st.Commits) == 0 {
				return nil, nil
			}

			return map[string]any{string(ID): st}, nil
		},
		BuildContextPrompt: func(_ context.Context, _ *agent.StrategyOptions, conv *core.Conversation) (string, error) {
			return p.contextPrompt(stateOf(conv)), nil
		},
		BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
			return []*flow.Node{{Name: "git", PluginID: ID, Agents: []agent.Agent{p.logAgent()}}}, nil
		},
	}
}

func (p *Plugin) contextPrompt(st State) string {
	var b strings.Builder

	for _, h := range st.Commits {
		c, err := p.Resolve(h)
		if err != nil {
			p.log.Warn("git.commit.skipped", "hash", h, "error", err.Error())
			continue
		}

		fmt.Fprintf(&b, "<commit hash=%q author=%q date=%q>\n%s\n", c.Hash, c.Author, c.When.Format(time.RFC3339), c.Message)
		if len(c.Files) > 0 {
			fmt.Fprintf(&b, "files: %s\n", strings.Join(c.Files, ", "))
		}

		b.WriteString("</commit>\n")
	}

	return b.String()
}

func stateOf(conv *core.Conversation) State {
	if conv == nil {
		return State{}
	}

	switch st := conv.PluginStates[ID].(type) {
	case State:
		return st
	case map[string]any:
		return State{Commits: agent.ToolOptions{Values: st}.Strings("commits")}
	default:
		return State{}
	}
}

type logInput struct {
	Path  string `json:"path,omitempty" jsonschema:"description=File or directory relative to the repository root"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,description=Number of commits"`
}

func (p *Plugin) logAgent() agent.Agent {
	return agent.MustNew("git_log", "List the most recent commits, optionally only those touching a path.",
		func(ctx context.Context, in logInput, _ *agent.Context) ([]Commit, error) {
			return p.Log(ctx, in.Path, in.Limit)
		})
}
