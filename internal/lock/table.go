package lock

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/KilimcininKorOglu/divan/internal/raft"
)

// maxDedupEntries bounds the request dedup cache. Oldest entries are
// evicted first; a client retrying a request older than the window is
// treated as a new request.
const maxDedupEntries = 4096

// Grant describes a held lock.
type Grant struct {
	Resource   string
	Owner      string
	Token      uint64 // Fencing token, strictly increasing per resource
	AcquiredAt int64  // Leader clock, unix nanos
	ExpiresAt  int64  // Leader clock, unix nanos (0 = no expiry)
}

// Queued is the apply result of a waiting acquire that found the
// resource held. The caller is now in the FIFO queue.
type Queued struct {
	Resource string
	Position int // 1-based position in the wait queue
}

// Released is the apply result of a release or reap. Next is the
// grant handed to the head waiter, nil when the queue was empty.
type Released struct {
	Resource string
	Next     *Grant
}

type waiter struct {
	Owner     string
	RequestID string
	TTL       int64
}

// dedupEntry is a cached apply verdict, replayed verbatim when a
// client retries a request ID that already committed.
type dedupEntry struct {
	RequestID string
	ErrCode   uint8
	Queued    bool
	Token     uint64
	ExpiresAt int64
}

// Error codes stored in the dedup cache.
const (
	codeNone uint8 = iota
	codeHeld
	codeNotHolder
	codeTokenMismatch
	codeNotExpired
	codeUnknown
)

func codeToErr(code uint8) error {
	switch code {
	case codeNone:
		return nil
	case codeHeld:
		return ErrResourceHeld
	case codeNotHolder:
		return ErrNotHolder
	case codeTokenMismatch:
		return ErrTokenMismatch
	case codeNotExpired:
		return ErrNotExpired
	default:
		return ErrUnknownCommand
	}
}

func errToCode(err error) uint8 {
	switch err {
	case nil:
		return codeNone
	case ErrResourceHeld:
		return codeHeld
	case ErrNotHolder:
		return codeNotHolder
	case ErrTokenMismatch:
		return codeTokenMismatch
	case ErrNotExpired:
		return codeNotExpired
	default:
		return codeUnknown
	}
}

// Table is the replicated lock state machine. All mutation happens in
// Apply, driven by committed commands in log order; reads are local
// and lock-free with respect to consensus.
//
// Expiry is decided against the Stamp of the command being applied,
// so every replica reclaims a lease at the same log index.
type Table struct {
	records   map[string]*Grant
	lastToken map[string]uint64 // survives release, never resets
	queues    map[string][]*waiter

	dedup      map[string]*dedupEntry
	dedupOrder []string

	mu sync.RWMutex
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		records:   make(map[string]*Grant),
		lastToken: make(map[string]uint64),
		queues:    make(map[string][]*waiter),
		dedup:     make(map[string]*dedupEntry),
	}
}

// Apply implements raft.StateMachine.
func (t *Table) Apply(cmd *raft.Command) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.dedup[cmd.RequestID]; ok {
		return t.replayVerdict(cmd, entry)
	}

	resource := strings.TrimPrefix(cmd.Aggregate, AggregatePrefix)

	p, err := decodePayload(cmd.Data)
	if err != nil {
		return nil, err
	}

	var result interface{}
	var verdict error

	switch cmd.Kind {
	case KindAcquire:
		result, verdict = t.applyAcquire(resource, cmd, p)
	case KindRelease:
		result, verdict = t.applyRelease(resource, cmd, p)
	case KindRenew:
		result, verdict = t.applyRenew(resource, cmd, p)
	case KindReap:
		result, verdict = t.applyReap(resource, cmd)
	default:
		verdict = ErrUnknownCommand
	}

	t.recordVerdict(cmd.RequestID, result, verdict)
	return result, verdict
}

// replayVerdict reconstructs the original apply result for a retried
// request without touching state.
func (t *Table) replayVerdict(cmd *raft.Command, entry *dedupEntry) (interface{}, error) {
	resource := strings.TrimPrefix(cmd.Aggregate, AggregatePrefix)

	if entry.Queued {
		return &Queued{Resource: resource, Position: t.queuePosition(resource, cmd.RequestID)}, nil
	}
	if err := codeToErr(entry.ErrCode); err != nil {
		return nil, err
	}
	return &Grant{
		Resource:  resource,
		Owner:     t.ownerOf(resource),
		Token:     entry.Token,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

func (t *Table) ownerOf(resource string) string {
	if rec, ok := t.records[resource]; ok {
		return rec.Owner
	}
	return ""
}

func (t *Table) queuePosition(resource, requestID string) int {
	for i, w := range t.queues[resource] {
		if w.RequestID == requestID {
			return i + 1
		}
	}
	return 0
}

func (t *Table) recordVerdict(requestID string, result interface{}, verdict error) {
	entry := &dedupEntry{
		RequestID: requestID,
		ErrCode:   errToCode(verdict),
	}
	switch r := result.(type) {
	case *Grant:
		entry.Token = r.Token
		entry.ExpiresAt = r.ExpiresAt
	case *Queued:
		entry.Queued = true
	}

	t.dedup[requestID] = entry
	t.dedupOrder = append(t.dedupOrder, requestID)
	for len(t.dedupOrder) > maxDedupEntries {
		old := t.dedupOrder[0]
		t.dedupOrder = t.dedupOrder[1:]
		delete(t.dedup, old)
	}
}

// expireLocked reclaims the resource's lease if it has expired at the
// given stamp, handing the lock to the head waiter.
func (t *Table) expireLocked(resource string, stamp int64) {
	rec, ok := t.records[resource]
	if !ok || rec.ExpiresAt == 0 || rec.ExpiresAt > stamp {
		return
	}
	delete(t.records, resource)
	t.promoteLocked(resource, stamp)
}

// promoteLocked grants the lock to the head waiter, if any. The grant
// uses the waiter's TTL against the current command's stamp.
func (t *Table) promoteLocked(resource string, stamp int64) *Grant {
	queue := t.queues[resource]
	if len(queue) == 0 {
		return nil
	}

	head := queue[0]
	if len(queue) == 1 {
		delete(t.queues, resource)
	} else {
		t.queues[resource] = queue[1:]
	}

	return t.grantLocked(resource, head.Owner, head.TTL, stamp)
}

func (t *Table) grantLocked(resource, owner string, ttl, stamp int64) *Grant {
	token := t.lastToken[resource] + 1
	t.lastToken[resource] = token

	rec := &Grant{
		Resource:   resource,
		Owner:      owner,
		Token:      token,
		AcquiredAt: stamp,
	}
	if ttl > 0 {
		rec.ExpiresAt = stamp + ttl
	}
	t.records[resource] = rec
	return rec
}

func (t *Table) applyAcquire(resource string, cmd *raft.Command, p *payload) (interface{}, error) {
	t.expireLocked(resource, cmd.Stamp)

	// Only a different holder blocks the acquire; the current holder
	// re-acquiring gets a fresh lease under the next token.
	if rec, held := t.records[resource]; held && rec.Owner != p.Owner {
		if !p.Wait {
			return nil, ErrResourceHeld
		}
		t.queues[resource] = append(t.queues[resource], &waiter{
			Owner:     p.Owner,
			RequestID: cmd.RequestID,
			TTL:       p.TTL,
		})
		return &Queued{Resource: resource, Position: len(t.queues[resource])}, nil
	}

	rec := t.grantLocked(resource, p.Owner, p.TTL, cmd.Stamp)
	granted := *rec
	return &granted, nil
}

func (t *Table) applyRelease(resource string, cmd *raft.Command, p *payload) (interface{}, error) {
	t.expireLocked(resource, cmd.Stamp)

	rec, ok := t.records[resource]
	if !ok || rec.Owner != p.Owner {
		return nil, ErrNotHolder
	}
	if rec.Token != p.Token {
		return nil, ErrTokenMismatch
	}

	delete(t.records, resource)
	next := t.promoteLocked(resource, cmd.Stamp)

	rel := &Released{Resource: resource}
	if next != nil {
		granted := *next
		rel.Next = &granted
	}
	return rel, nil
}

func (t *Table) applyRenew(resource string, cmd *raft.Command, p *payload) (interface{}, error) {
	t.expireLocked(resource, cmd.Stamp)

	rec, ok := t.records[resource]
	if !ok || rec.Owner != p.Owner {
		return nil, ErrNotHolder
	}
	if rec.Token != p.Token {
		return nil, ErrTokenMismatch
	}

	if p.TTL > 0 {
		rec.ExpiresAt = cmd.Stamp + p.TTL
	} else {
		rec.ExpiresAt = 0
	}
	renewed := *rec
	return &renewed, nil
}

func (t *Table) applyReap(resource string, cmd *raft.Command) (interface{}, error) {
	rec, ok := t.records[resource]
	if !ok || rec.ExpiresAt == 0 || rec.ExpiresAt > cmd.Stamp {
		return nil, ErrNotExpired
	}

	delete(t.records, resource)
	next := t.promoteLocked(resource, cmd.Stamp)

	rel := &Released{Resource: resource}
	if next != nil {
		granted := *next
		rel.Next = &granted
	}
	return rel, nil
}

// Get returns the current grant for a resource, if held. The copy is
// safe to retain.
func (t *Table) Get(resource string) (*Grant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[resource]
	if !ok {
		return nil, false
	}
	g := *rec
	return &g, true
}

// Holders returns a copy of all current grants, sorted by resource.
func (t *Table) Holders() []*Grant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Grant, 0, len(t.records))
	for _, rec := range t.records {
		g := *rec
		out = append(out, &g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// QueueLen returns the number of waiters queued on a resource.
func (t *Table) QueueLen(resource string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.queues[resource])
}

// Expired returns the resources whose leases have expired at the
// given time. Used by the leader's reaper to propose reclaims.
func (t *Table) Expired(now int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for resource, rec := range t.records {
		if rec.ExpiresAt > 0 && rec.ExpiresAt <= now {
			out = append(out, resource)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot implements raft.StateMachine. The encoding is sorted so
// equal states produce equal bytes.
func (t *Table) Snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var buf bytes.Buffer

	resources := make([]string, 0, len(t.records))
	for r := range t.records {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	binary.Write(&buf, binary.LittleEndian, uint32(len(resources)))
	for _, r := range resources {
		rec := t.records[r]
		writeSnapString(&buf, r)
		writeSnapString(&buf, rec.Owner)
		binary.Write(&buf, binary.LittleEndian, rec.Token)
		binary.Write(&buf, binary.LittleEndian, rec.AcquiredAt)
		binary.Write(&buf, binary.LittleEndian, rec.ExpiresAt)
	}

	tokens := make([]string, 0, len(t.lastToken))
	for r := range t.lastToken {
		tokens = append(tokens, r)
	}
	sort.Strings(tokens)

	binary.Write(&buf, binary.LittleEndian, uint32(len(tokens)))
	for _, r := range tokens {
		writeSnapString(&buf, r)
		binary.Write(&buf, binary.LittleEndian, t.lastToken[r])
	}

	queued := make([]string, 0, len(t.queues))
	for r := range t.queues {
		queued = append(queued, r)
	}
	sort.Strings(queued)

	binary.Write(&buf, binary.LittleEndian, uint32(len(queued)))
	for _, r := range queued {
		writeSnapString(&buf, r)
		queue := t.queues[r]
		binary.Write(&buf, binary.LittleEndian, uint32(len(queue)))
		for _, w := range queue {
			writeSnapString(&buf, w.Owner)
			writeSnapString(&buf, w.RequestID)
			binary.Write(&buf, binary.LittleEndian, w.TTL)
		}
	}

	binary.Write(&buf, binary.LittleEndian, uint32(len(t.dedupOrder)))
	for _, id := range t.dedupOrder {
		entry := t.dedup[id]
		writeSnapString(&buf, entry.RequestID)
		buf.WriteByte(entry.ErrCode)
		if entry.Queued {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		binary.Write(&buf, binary.LittleEndian, entry.Token)
		binary.Write(&buf, binary.LittleEndian, entry.ExpiresAt)
	}

	return buf.Bytes(), nil
}

// Restore implements raft.StateMachine.
func (t *Table) Restore(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := bytes.NewReader(data)

	records := make(map[string]*Grant)
	lastToken := make(map[string]uint64)
	queues := make(map[string][]*waiter)
	dedup := make(map[string]*dedupEntry)
	var dedupOrder []string

	var recCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &recCount); err != nil {
		return ErrCorrupted
	}
	for i := uint32(0); i < recCount; i++ {
		rec := &Grant{}
		var err error
		if rec.Resource, err = readSnapString(buf); err != nil {
			return ErrCorrupted
		}
		if rec.Owner, err = readSnapString(buf); err != nil {
			return ErrCorrupted
		}
		if err := binary.Read(buf, binary.LittleEndian, &rec.Token); err != nil {
			return ErrCorrupted
		}
		if err := binary.Read(buf, binary.LittleEndian, &rec.AcquiredAt); err != nil {
			return ErrCorrupted
		}
		if err := binary.Read(buf, binary.LittleEndian, &rec.ExpiresAt); err != nil {
			return ErrCorrupted
		}
		records[rec.Resource] = rec
	}

	var tokCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &tokCount); err != nil {
		return ErrCorrupted
	}
	for i := uint32(0); i < tokCount; i++ {
		resource, err := readSnapString(buf)
		if err != nil {
			return ErrCorrupted
		}
		var token uint64
		if err := binary.Read(buf, binary.LittleEndian, &token); err != nil {
			return ErrCorrupted
		}
		lastToken[resource] = token
	}

	var queueCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &queueCount); err != nil {
		return ErrCorrupted
	}
	for i := uint32(0); i < queueCount; i++ {
		resource, err := readSnapString(buf)
		if err != nil {
			return ErrCorrupted
		}
		var n uint32
		if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
			return ErrCorrupted
		}
		queue := make([]*waiter, 0, n)
		for j := uint32(0); j < n; j++ {
			w := &waiter{}
			if w.Owner, err = readSnapString(buf); err != nil {
				return ErrCorrupted
			}
			if w.RequestID, err = readSnapString(buf); err != nil {
				return ErrCorrupted
			}
			if err := binary.Read(buf, binary.LittleEndian, &w.TTL); err != nil {
				return ErrCorrupted
			}
			queue = append(queue, w)
		}
		queues[resource] = queue
	}

	var dedupCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &dedupCount); err != nil {
		return ErrCorrupted
	}
	for i := uint32(0); i < dedupCount; i++ {
		entry := &dedupEntry{}
		var err error
		if entry.RequestID, err = readSnapString(buf); err != nil {
			return ErrCorrupted
		}
		if entry.ErrCode, err = buf.ReadByte(); err != nil {
			return ErrCorrupted
		}
		queuedFlag, err := buf.ReadByte()
		if err != nil {
			return ErrCorrupted
		}
		entry.Queued = queuedFlag == 1
		if err := binary.Read(buf, binary.LittleEndian, &entry.Token); err != nil {
			return ErrCorrupted
		}
		if err := binary.Read(buf, binary.LittleEndian, &entry.ExpiresAt); err != nil {
			return ErrCorrupted
		}
		dedup[entry.RequestID] = entry
		dedupOrder = append(dedupOrder, entry.RequestID)
	}

	t.records = records
	t.lastToken = lastToken
	t.queues = queues
	t.dedup = dedup
	t.dedupOrder = dedupOrder
	return nil
}

func writeSnapString(w io.Writer, s string) {
	data := []byte(s)
	binary.Write(w, binary.LittleEndian, uint16(len(data)))
	w.Write(data)
}

func readSnapString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}
