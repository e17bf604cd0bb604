package session

import (
	"time"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
)

// DefaultSessionID is the implicit session name spec.md §4.4 describes.
const DefaultSessionID = "default"

// Registry owns every Session (spec.md §3 "Session Registry exclusively
// owns Sessions").
type Registry struct {
	log             *logrus.Entry
	shellBinPath    string
	tempDir         string
	commandTimeout  time.Duration
	strictIsolation bool

	mu       deadlock.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty Registry; sessions are created lazily or
// explicitly via CreateSession. strictIsolation mirrors
// config.Config.StrictIsolation: when true, requesting isolation on a
// host that cannot grant it fails session creation instead of silently
// degrading.
func NewRegistry(tempDir string, commandTimeout time.Duration, strictIsolation bool, log *logrus.Entry) *Registry {
	return NewRegistryWithShellBinary(tempDir, commandTimeout, strictIsolation, probeShellBinary(), log)
}

// NewRegistryWithShellBinary builds a Registry pointed at an explicit
// control-child binary, bypassing probeShellBinary's os.Executable()-
// relative lookup. Lets an operator override the binary location via
// config, and lets tests point a Registry at a stand-in control child.
func NewRegistryWithShellBinary(tempDir string, commandTimeout time.Duration, strictIsolation bool, shellBinPath string, log *logrus.Entry) *Registry {
	return &Registry{
		log:             log.WithField("component", "session-registry"),
		shellBinPath:    shellBinPath,
		tempDir:         tempDir,
		commandTimeout:  commandTimeout,
		strictIsolation: strictIsolation,
		sessions:        make(map[string]*Session),
	}
}

// CreateSession implements spec.md §4.4's createSession, destroying any
// pre-existing session of the same id first.
func (r *Registry) CreateSession(opts Options) (*Session, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[opts.ID]; ok {
		delete(r.sessions, opts.ID)
		r.mu.Unlock()
		existing.Destroy()
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	sess, err := newSession(opts, r.shellBinPath, r.tempDir, r.commandTimeout, r.strictIsolation, r.log)
	if err != nil {
		return nil, err
	}
	r.sessions[sess.ID] = sess
	return sess, nil
}

// GetSession returns an existing, ready session, or lazily creates the
// implicit "default" session when id == DefaultSessionID and it does not
// yet exist.
func (r *Registry) GetSession(id string) (*Session, error) {
	if id == "" {
		id = DefaultSessionID
	}

	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		return sess, nil
	}

	if id != DefaultSessionID {
		return nil, apierrors.New(apierrors.ResourceNotFound, "no such session", map[string]any{"sessionId": id})
	}

	return r.CreateSession(Options{ID: DefaultSessionID})
}

// ListSessions returns every currently-registered session in id order.
func (r *Registry) ListSessions() []*Session {
	r.mu.Lock()
	sessions := lo.Values(r.sessions)
	r.mu.Unlock()

	sortSessionsByID(sessions)
	return sessions
}

// DestroySession removes and destroys one session by id.
func (r *Registry) DestroySession(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	sess.Destroy()
	return true
}

// DestroyAll tears down every session the registry owns.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	sessions := lo.Values(r.sessions)
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Destroy()
	}
}

// FindProcess implements spec.md §4.3's cross-session "find across
// sessions": iterate sessions in id order and return the first record
// matching a process id, together with its owning session id.
func (r *Registry) FindProcess(id string) (sessionID string, found bool) {
	for _, sess := range r.ListSessions() {
		if sess.Processes.HasProcess(id) {
			return sess.ID, true
		}
	}
	return "", false
}

func sortSessionsByID(sessions []*Session) {
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && sessions[j-1].ID > sessions[j].ID; j-- {
			sessions[j-1], sessions[j] = sessions[j], sessions[j-1]
		}
	}
}
