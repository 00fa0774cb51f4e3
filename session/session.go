// Package session holds the data model and synchronized accessors shared by
// every engine: the Protocol/Flavor enums, the SessionState machine, the
// per-file and per-session progress record, and the Session type itself.
// One engine execution context owns a Session's wire I/O and mutates it
// directly; any number of observers call the synchronized getters and the
// cancelTransfer/skipFile methods concurrently — the same owner/observer
// split the teacher's Session+callbacks pattern uses, generalized from one
// protocol to four.
package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/vanterm/serialxfer/internal/logx"
)

// Protocol identifies the wire protocol family.
type Protocol int

const (
	Xmodem Protocol = iota
	Ymodem
	Zmodem
	Kermit
)

func (p Protocol) String() string {
	switch p {
	case Xmodem:
		return "Xmodem"
	case Ymodem:
		return "Ymodem"
	case Zmodem:
		return "Zmodem"
	case Kermit:
		return "Kermit"
	default:
		return "unknown"
	}
}

// Flavor selects a variant within a Protocol. Only the combinations listed
// for each protocol in the data model are meaningful; the façade rejects
// any other pairing with protoerr.UnsupportedFlavor.
type Flavor int

const (
	// Xmodem flavors.
	XVanilla Flavor = iota
	XRelaxed
	XCRC
	X1K
	X1KG

	// Ymodem flavors.
	YVanilla
	YG

	// Zmodem flavors.
	ZVanilla
	ZCRC32
)

func (f Flavor) String() string {
	switch f {
	case XVanilla:
		return "vanilla"
	case XRelaxed:
		return "relaxed"
	case XCRC:
		return "crc"
	case X1K:
		return "1k"
	case X1KG:
		return "1k-g"
	case YVanilla:
		return "vanilla"
	case YG:
		return "g"
	case ZVanilla:
		return "vanilla"
	case ZCRC32:
		return "crc32"
	default:
		return "unknown"
	}
}

// Direction is which way bytes move relative to this process.
type Direction int

const (
	Send Direction = iota
	Receive
)

// SessionState is the session-wide finite state machine:
//
//	INIT -> DOWNLOAD_FILE_INFO -> TRANSFER -> FILE_DONE -> {TRANSFER|END}
//	                                        -> ABORT (from any non-terminal state)
//
// ABORT and END are terminal and latch: once reached, State never changes
// again.
type SessionState int

const (
	StateInit SessionState = iota
	StateDownloadFileInfo
	StateTransfer
	StateFileDone
	StateEnd
	StateAbort
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDownloadFileInfo:
		return "DOWNLOAD_FILE_INFO"
	case StateTransfer:
		return "TRANSFER"
	case StateFileDone:
		return "FILE_DONE"
	case StateEnd:
		return "END"
	case StateAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether this state latches (END or ABORT).
func (s SessionState) Terminal() bool { return s == StateEnd || s == StateAbort }

// FileInfo tracks one file moving through the session: invariants are
// bytesTransferred <= Size (once Size is known) and
// blocksTransferred*blockSize >= bytesTransferred.
type FileInfo struct {
	Name      string // logical name as carried on the wire
	LocalPath string
	Size      int64 // -1 if unknown until EOF (e.g. Xmodem vanilla)
	ModTime   time.Time
	Mode      os.FileMode

	BytesTransferred  int64
	BlocksTransferred int64
	BlockSize         int

	StartTime time.Time
	EndTime   time.Time
	Errors    int

	local localFile
}

// localFile is the subset of localfile.File a FileInfo needs to hold
// without importing the localfile package (which would create an import
// cycle with engines that hand back a localfile.File through this field).
type localFile interface {
	Close() error
}

// SetLocal attaches the open local file handle so it is guaranteed to be
// reachable for closing from cancelTransfer/skipFile regardless of which
// engine goroutine is in flight.
func (fi *FileInfo) SetLocal(f localFile) { fi.local = f }

func (fi *FileInfo) closeLocal() {
	if fi.local != nil {
		fi.local.Close()
		fi.local = nil
	}
}

// MessageKind tags a SerialFileTransferMessage.
type MessageKind int

const (
	MessageInfo MessageKind = iota
	MessageError
)

// Message is an append-only, timestamped log entry — the canonical
// incident record a session replays to observers. Every ABORT transition
// appends one tagged MessageError.
type Message struct {
	Kind      MessageKind
	Text      string
	Timestamp time.Time
}

// Callbacks are the observer hooks a caller supplies. OnFilePrompt,
// OnProgress, OnFileStart, OnFileComplete and OnError fall back to the
// defaults in mergeCallbacks when nil; OnFileList, OnFileOpen and
// OnFileCreate have no defaults and stay nil unless set. This
// generalizes the teacher's zmodem.Callbacks across all four protocols
// the façade can dispatch to.
type Callbacks struct {
	// OnFilePrompt is asked before accepting an inbound file. Returning
	// false skips it (Non-goals: this module does not persist the skip
	// decision across processes).
	OnFilePrompt func(name string, size int64, mode os.FileMode) (bool, error)
	OnProgress   func(name string, transferred, total int64, rate float64)
	OnFileStart  func(name string, size int64, mode os.FileMode)
	OnFileComplete func(name string, bytesTransferred int64, duration time.Duration)
	// OnError receives a recoverable error and reports whether to retry.
	// No engine in this module calls it.
	OnError func(err error, context string) bool

	// OnFileList is asked, sender side, what to send when a Ymodem/Zmodem
	// batch starts with no files pre-queued (mirrors a remote `rz`
	// prompting a local `sz`).
	OnFileList func() ([]string, error)
	OnFileOpen func(name string) (file ReadSeekCloser, info os.FileInfo, err error)
	OnFileCreate func(name string, size int64, mode os.FileMode) (file WriteSeekCloser, err error)
}

// ReadSeekCloser and WriteSeekCloser are the minimal local-file contracts
// the callback surface needs; localfile.File satisfies both.
type ReadSeekCloser interface {
	Read([]byte) (int, error)
	Seek(int64, int) (int64, error)
	Close() error
}

type WriteSeekCloser interface {
	Write([]byte) (int, error)
	Seek(int64, int) (int64, error)
	Truncate(int64) error
	Close() error
}

func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnFilePrompt:   func(string, int64, os.FileMode) (bool, error) { return true, nil },
		OnProgress:     func(string, int64, int64, float64) {},
		OnFileStart:    func(string, int64, os.FileMode) {},
		OnFileComplete: func(string, int64, time.Duration) {},
		OnError:        func(error, string) bool { return false },
	}
}

func mergeCallbacks(user *Callbacks) *Callbacks {
	def := defaultCallbacks()
	if user == nil {
		return def
	}
	merged := *def
	if user.OnFilePrompt != nil {
		merged.OnFilePrompt = user.OnFilePrompt
	}
	if user.OnProgress != nil {
		merged.OnProgress = user.OnProgress
	}
	if user.OnFileStart != nil {
		merged.OnFileStart = user.OnFileStart
	}
	if user.OnFileComplete != nil {
		merged.OnFileComplete = user.OnFileComplete
	}
	if user.OnError != nil {
		merged.OnError = user.OnError
	}
	merged.OnFileList = user.OnFileList
	merged.OnFileOpen = user.OnFileOpen
	merged.OnFileCreate = user.OnFileCreate
	return &merged
}

// Config is engine-independent tuning carried on the session. Of its
// fields the engines read only KeepPartial; they use their own fixed
// timeouts and retry budgets and do not read Timeout, RetryBudget or
// ProgressInterval. Protocol-specific
// knobs (block size, window size, 32-bit CRC) live on the engine's own
// options, layered on top of this.
type Config struct {
	Timeout          time.Duration
	RetryBudget      int // default 10; the Zmodem engine uses a fixed budget of 10 and does not read it
	ProgressInterval time.Duration
	KeepPartial      bool
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:          10 * time.Second,
		RetryBudget:      10,
		ProgressInterval: 100 * time.Millisecond,
		KeepPartial:      false,
	}
}

// Option configures a Session, following the teacher's functional-options
// idiom (WithConfig/WithCallbacks/WithContext/WithSessionLogger).
type Option func(*Session)

func WithConfig(c *Config) Option           { return func(s *Session) { s.config = c } }
func WithCallbacks(cb *Callbacks) Option    { return func(s *Session) { s.callbacks = mergeCallbacks(cb) } }
func WithContext(ctx context.Context) Option { return func(s *Session) { s.ctx = ctx } }
func WithLogger(l logx.Logger) Option       { return func(s *Session) { s.logger = l } }

// Session is the shared, synchronized state one transfer revolves around.
// The engine goroutine is the sole writer of every field except Cancelled,
// Skipped and Messages, which are guarded by mu and may be touched by
// observers at any time.
type Session struct {
	Protocol  Protocol
	Flavor    Flavor
	Direction Direction
	Dir       string // local directory new files land in, receive side

	config    *Config
	callbacks *Callbacks
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logx.Logger

	mu        sync.Mutex
	state     SessionState
	files     []*FileInfo
	messages  []Message
	cancelled bool
	skipped   bool
	keepPartial bool
	currentStatus string

	bytesGoal  int64
	bytesTotal int64
	blocksTotal int64

	startTime       time.Time
	endTime         time.Time
	lastBlockMillis int64
}

// New creates a Session in StateInit. ctx is the parent of the session's
// context; cancelling it cancels Context() but does not set Cancelled or
// keepPartial, which only CancelTransfer does.
func New(proto Protocol, flavor Flavor, dir Direction, opts ...Option) *Session {
	s := &Session{
		Protocol:  proto,
		Flavor:    flavor,
		Direction: dir,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		logger:    logx.Noop{},
		state:     StateInit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(s.ctx)
	s.keepPartial = s.config.KeepPartial
	return s
}

func (s *Session) Context() context.Context { return s.ctx }
func (s *Session) Config() *Config          { return s.config }
func (s *Session) Callbacks() *Callbacks    { return s.callbacks }
func (s *Session) Logger() logx.Logger      { return s.logger }

// --- engine-exclusive mutators: called only from the owning engine goroutine ---

// SetState transitions the session. Per the invariant, once Terminal()
// is true further calls are no-ops — terminal states latch.
func (s *Session) SetState(next SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if s.state == StateInit && next != StateInit {
		s.startTime = time.Now()
	}
	s.state = next
	if next.Terminal() {
		s.endTime = time.Now()
	}
}

// BeginFile appends a new in-flight FileInfo — the engine calls this when
// a Ymodem/Zmodem batch starts the next file, or once for Xmodem's single
// implicit file.
func (s *Session) BeginFile(fi *FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi.StartTime = time.Now()
	s.files = append(s.files, fi)
}

// CurrentFile returns the in-flight file, or nil if none has started yet.
func (s *Session) CurrentFile() *FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.files) == 0 {
		return nil
	}
	return s.files[len(s.files)-1]
}

// UpdateProgress advances the current file's monotonic counters and
// invokes OnProgress. transferred/blocks must be non-decreasing; callers
// violating that indicate an engine bug, not a caller error, so this does
// not clamp — it trusts its one caller, the owning engine.
func (s *Session) UpdateProgress(transferred, blocks int64) {
	s.mu.Lock()
	fi := s.CurrentFileLocked()
	if fi == nil {
		s.mu.Unlock()
		return
	}
	fi.BytesTransferred = transferred
	fi.BlocksTransferred = blocks
	now := time.Now().UnixMilli()
	elapsedMillis := now - s.lastBlockMillis
	s.lastBlockMillis = now
	name := fi.Name
	total := fi.Size
	s.mu.Unlock()

	var rate float64
	if elapsedMillis > 0 {
		rate = float64(transferred) / (float64(elapsedMillis) / 1000)
	}
	s.callbacks.OnProgress(name, transferred, total, rate)
}

// CurrentFileLocked is CurrentFile for callers already holding mu.
func (s *Session) CurrentFileLocked() *FileInfo {
	if len(s.files) == 0 {
		return nil
	}
	return s.files[len(s.files)-1]
}

// FinishFile marks the current file complete and transitions to
// FILE_DONE, invoking OnFileComplete.
func (s *Session) FinishFile() {
	s.mu.Lock()
	fi := s.CurrentFileLocked()
	if fi != nil {
		fi.EndTime = time.Now()
	}
	s.mu.Unlock()

	s.SetState(StateFileDone)
	if fi != nil {
		s.callbacks.OnFileComplete(fi.Name, fi.BytesTransferred, fi.EndTime.Sub(fi.StartTime))
	}
}

// AddInfoMessage/AddErrorMessage append to the message log. Every ABORT
// transition should be paired with an AddErrorMessage call describing why.
func (s *Session) AddInfoMessage(text string) { s.addMessage(MessageInfo, text) }
func (s *Session) AddErrorMessage(text string) { s.addMessage(MessageError, text) }

func (s *Session) addMessage(kind MessageKind, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Kind: kind, Text: text, Timestamp: time.Now()})
}

// CurrentStatus returns the last status line set by SetCurrentStatus, or
// "" if none has been set yet.
func (s *Session) CurrentStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStatus
}

// SetCurrentStatus records a human-readable status line and notifies
// observers via AddInfoMessage.
func (s *Session) SetCurrentStatus(status string) {
	s.mu.Lock()
	s.currentStatus = status
	s.mu.Unlock()
	s.AddInfoMessage(status)
}

// Abort latches StateAbort, records the reason, and closes whatever local
// file handle the current FileInfo holds, deleting a partial download
// unless keepPartial was requested.
func (s *Session) Abort(reason string) {
	s.AddErrorMessage(reason)
	s.mu.Lock()
	fi := s.CurrentFileLocked()
	s.mu.Unlock()
	if fi != nil {
		fi.closeLocal()
		if s.Direction == Receive && !s.keepPartial && fi.LocalPath != "" {
			os.Remove(fi.LocalPath)
		}
	}
	s.SetState(StateAbort)
}

// --- observer-safe reads and controls: callable from any goroutine ---

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Files() []FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileInfo, len(s.files))
	for i, fi := range s.files {
		out[i] = *fi
	}
	return out
}

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TotalPercentComplete returns 0-100 across every file queued so far, or
// -1 if the total size is unknown.
func (s *Session) TotalPercentComplete() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var transferred, total int64
	for _, fi := range s.files {
		transferred += fi.BytesTransferred
		if fi.Size < 0 {
			return -1
		}
		total += fi.Size
	}
	if total == 0 {
		return 0
	}
	pct := float64(transferred) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ProtocolName returns the session's protocol as the name an observer would
// display ("Xmodem", "Ymodem", ...).
func (s *Session) ProtocolName() string { return s.Protocol.String() }

// BlockSize returns the current file's wire block size, or 0 if no file
// has started yet.
func (s *Session) BlockSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi := s.CurrentFileLocked()
	if fi == nil {
		return 0
	}
	return fi.BlockSize
}

// TransferRate returns bytes/sec across every file transferred so far,
// measured against the session's start time and, once reached, its end
// time. It returns -1 before the transfer has started and 0 if the
// elapsed time rounds to zero.
func (s *Session) TransferRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return -1
	}
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	elapsed := end.Sub(s.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	var transferred int64
	for _, fi := range s.files {
		transferred += fi.BytesTransferred
	}
	return float64(transferred) / elapsed
}

// PercentComplete returns 0-100 for the current file, or 0.0 if no file
// has started or its size is unknown.
func (s *Session) PercentComplete() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi := s.CurrentFileLocked()
	if fi == nil || fi.Size <= 0 {
		return 0.0
	}
	pct := float64(fi.BytesTransferred) / float64(fi.Size) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

// CancelTransfer requests cancellation. It is idempotent: calling it after
// the session has already latched to ABORT or END is a no-op. keepPartial
// overrides the session's configured default for this call.
func (s *Session) CancelTransfer(keepPartial bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.keepPartial = keepPartial
	s.mu.Unlock()
	s.cancel()
}

// Cancelled reports whether CancelTransfer has been requested. Engines
// poll this at suspension points (wire reads/writes) to stop promptly.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// SkipFile requests that the current file be abandoned. The engine
// observes this between blocks/frames. The Zmodem receiver sends ZSKIP and
// goes on with the batch; the Xmodem/Ymodem receiver sends CAN CAN and
// aborts the session, and the Zmodem sender aborts the session.
func (s *Session) SkipFile(keepPartial bool) {
	s.mu.Lock()
	if s.state.Terminal() || s.skipped {
		s.mu.Unlock()
		return
	}
	s.skipped = true
	s.keepPartial = keepPartial
	s.mu.Unlock()
}

// ConsumeSkip reports and clears a pending skip request — called once by
// the engine when it reaches a point where skipping is safe to act on.
func (s *Session) ConsumeSkip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.skipped {
		return false
	}
	s.skipped = false
	return true
}

func (s *Session) KeepPartial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepPartial
}
