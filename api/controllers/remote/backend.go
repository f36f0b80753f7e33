// Package remote is an in-process stand-in for the study API. It backs the
// simulated transport mode and the transport integration tests.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	pkgAuth "github.com/angelmondragon/painsync/pkg/auth"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/transport"
)

// ErrUnreachable is returned by Dial while the backend is marked unreachable.
var ErrUnreachable = errors.New("dial tcp: connect: network is unreachable")

// Enrollment is the participant an enrollment code resolves to.
type Enrollment struct {
	StudyID       string
	ParticipantID string
}

// Fault is a scripted failure served instead of the normal response.
// CodeNetwork faults fail the request before it reaches a handler.
type Fault struct {
	Code       pkgerrors.Code
	Message    string
	RetryAfter time.Duration
}

// Options configures a Backend.
type Options struct {
	Tokens      pkgAuth.TokenConfig
	Enrollments map[string]Enrollment
	Logger      *logger.Logger
	Now         func() time.Time
}

// Backend records everything delivered to it and answers like the live API.
type Backend struct {
	tokens      pkgAuth.TokenConfig
	enrollments map[string]Enrollment
	logg        *logger.Logger
	now         func() time.Time

	mu           sync.Mutex
	unreachable  bool
	faults       map[string][]Fault
	rejections   map[string]Fault
	received     map[string]transport.SyncRequest
	order        []string
	consents     []transport.ConsentRequest
	duplicates   int
	lastReceived *time.Time
}

// NewBackend validates opts and builds an empty backend.
func NewBackend(opts Options) (*Backend, error) {
	if opts.Tokens.Secret == "" {
		return nil, fmt.Errorf("token secret required")
	}
	if opts.Tokens.Issuer == "" {
		opts.Tokens.Issuer = "painsync-simulated"
	}
	if opts.Tokens.TTL <= 0 {
		opts.Tokens.TTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	enrollments := make(map[string]Enrollment, len(opts.Enrollments))
	for code, enrollment := range opts.Enrollments {
		enrollments[strings.TrimSpace(code)] = enrollment
	}
	return &Backend{
		tokens:      opts.Tokens,
		enrollments: enrollments,
		logg:        opts.Logger,
		now:         opts.Now,
		faults:      map[string][]Fault{},
		rejections:  map[string]Fault{},
		received:    map[string]transport.SyncRequest{},
	}, nil
}

// Tokens returns the signing configuration used for session tokens.
func (b *Backend) Tokens() pkgAuth.TokenConfig {
	return b.tokens
}

// Now returns the backend clock.
func (b *Backend) Now() time.Time {
	return b.now()
}

// MintToken issues a session token for a participant without an enrollment round trip.
func (b *Backend) MintToken(studyID, participantID string) (string, error) {
	return pkgAuth.MintSessionToken(b.tokens, b.now(), pkgAuth.SessionPayload{
		StudyID:       studyID,
		ParticipantID: participantID,
	})
}

// SetReachable toggles simulated network reachability.
func (b *Backend) SetReachable(reachable bool) {
	b.mu.Lock()
	b.unreachable = !reachable
	b.mu.Unlock()
}

// InjectFault queues faults for path; each request to path consumes one.
func (b *Backend) InjectFault(path string, faults ...Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[path] = append(b.faults[path], faults...)
}

// RejectItem makes every delivery of dataID fail with code until cleared.
func (b *Backend) RejectItem(dataID string, code pkgerrors.Code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejections[dataID] = Fault{Code: code, Message: message}
}

// ClearRejection lets dataID be accepted again.
func (b *Backend) ClearRejection(dataID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rejections, dataID)
}

// Dial runs before a request reaches the router. It fails the request while
// the backend is unreachable or when a network fault is queued for its path.
func (b *Backend) Dial(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreachable {
		return ErrUnreachable
	}
	queue := b.faults[path]
	if len(queue) > 0 && queue[0].Code == pkgerrors.CodeNetwork {
		b.faults[path] = queue[1:]
		message := queue[0].Message
		if message == "" {
			message = "connection reset by peer"
		}
		return errors.New(message)
	}
	return nil
}

func (b *Backend) nextFault(path string) (Fault, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.faults[path]
	if len(queue) == 0 {
		return Fault{}, false
	}
	b.faults[path] = queue[1:]
	return queue[0], true
}

// Received returns delivered items of itemType in arrival order; all types when empty.
func (b *Backend) Received(itemType enums.SyncItemType) []transport.SyncRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]transport.SyncRequest, 0, len(b.order))
	for _, key := range b.order {
		item := b.received[key]
		if itemType != "" && item.ItemType != itemType {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Consents returns the recorded consent acceptances.
func (b *Backend) Consents() []transport.ConsentRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]transport.ConsentRequest, len(b.consents))
	copy(out, b.consents)
	return out
}

// store records req and reports whether it was new. Redelivery of a known
// item is acknowledged without being stored twice.
func (b *Backend) store(req transport.SyncRequest, at time.Time) bool {
	key := string(req.ItemType) + ":" + req.DataID
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.received[key]; ok {
		b.duplicates++
		return false
	}
	b.received[key] = req
	b.order = append(b.order, key)
	b.lastReceived = &at
	return true
}

func (b *Backend) rejection(dataID string) (Fault, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fault, ok := b.rejections[dataID]
	return fault, ok
}

func (b *Backend) recordConsent(req transport.ConsentRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.consents {
		if existing.ConsentID == req.ConsentID {
			return
		}
	}
	b.consents = append(b.consents, req)
}

func (b *Backend) status() transport.ServerSyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := transport.ServerSyncStatus{
		ReceivedCount: len(b.order),
		ConflictCount: b.duplicates,
		ServerTime:    b.now().UTC(),
	}
	if b.lastReceived != nil {
		at := *b.lastReceived
		out.LastReceivedAt = &at
	}
	return out
}

// Client returns an HTTP client that serves requests with handler in process,
// subject to the backend's simulated reachability.
func (b *Backend) Client(handler http.Handler) *http.Client {
	return transport.NewInProcessClient(handler, func(r *http.Request) error {
		return b.Dial(r.URL.Path)
	})
}
