package lens

import (
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pmezard/go-difflib/difflib"
)

const (
	// nonStringHashSizeLimit is the flattened value length above which values are compared by hash.
	nonStringHashSizeLimit = 128
	eventKeySeparator      = ";"
	absentFieldValue       = "<absent>"
	maxLoggedDiffLines     = 24
)

// EventKey returns the storage key of the seq'th event on channel. Keys of one channel sort in
// sequence order.
func EventKey(channel string, seq uint64) string {
	return channel + eventKeySeparator + fmt.Sprintf("%012d", seq)
}

// ParseEventKey splits a key produced by EventKey.
func ParseEventKey(key string) (string, uint64, bool) {
	idx := strings.LastIndex(key, eventKeySeparator)
	if idx < 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(key[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return key[:idx], seq, true
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Codec BlobCodec
	// LogChanges logs the field differences between consecutive events of a channel.
	LogChanges bool
	// HashLimit is the flattened value length above which values are compared by hash.
	HashLimit int
	CacheMB   int
	// Echo prints every received event when set.
	Echo *EventPrinter
}

type latestEvent struct {
	seq  uint64
	id   string
	flat map[string]string
}

// Recorder is a CollectorHandler persisting every trace event to Storage.
type Recorder struct {
	storage Storage
	cfg     RecorderConfig
	locks   *stripedMutex
	latest  *ristretto.Cache[string, *latestEvent]

	seqMu    sync.Mutex
	seqs     map[string]uint64
	recorded map[string]uint64

	probes  atomic.Int64
	events  atomic.Int64
	failure atomic.Int64
}

// NewRecorder creates a Recorder saving into storage.
func NewRecorder(storage Storage, cfg RecorderConfig) (*Recorder, error) {
	if cfg.HashLimit == 0 {
		cfg.HashLimit = nonStringHashSizeLimit
	}
	maxCost := int64(max(cfg.CacheMB, 1)) << 20
	cache, err := ristretto.NewCache(&ristretto.Config[string, *latestEvent]{
		NumCounters: 10_000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create event cache: %w", err)
	}
	return &Recorder{
		storage: storage,
		cfg:     cfg,
		locks:   newDefaultStripedMutex(),
		latest:  cache,
		seqs:     make(map[string]uint64),
		recorded: make(map[string]uint64),
	}, nil
}

func (r *Recorder) HandleInit(remote string, data InitData) {
	r.probes.Add(1)
	log.Printf("Probe connected from %s (cmd=%q)", remote, data.Cmd)
}

func (r *Recorder) HandleTraceEvent(remote string, ev TraceEvent) {
	if err := r.Record(remote, ev); err != nil {
		r.failure.Add(1)
		log.Printf("%sUnable to record event on channel %q: %v", ErrorLogPrefix, ev.Channel, err)
	}
}

// Record stores ev as the next event of its channel. A failed save does not consume a sequence
// number.
func (r *Recorder) Record(remote string, ev TraceEvent) error {
	lock := r.locks.Lock(ev.Channel)
	defer lock.Unlock()

	seq, err := r.peekSeq(ev.Channel)
	if err != nil {
		return err
	}
	stored := &StoredEvent{
		Seq:        seq,
		Remote:     remote,
		TimeMillis: time.Now().UnixMilli(),
		TraceEvent: ev,
	}
	blob, err := EncodeEventBlob(stored, r.cfg.Codec)
	if err != nil {
		return err
	} else if err := r.storage.SaveState(EventKey(ev.Channel, seq), blob); err != nil {
		return fmt.Errorf("save event %d: %w", seq, err)
	}
	r.commitSeq(ev.Channel, seq)
	r.events.Add(1)

	if r.cfg.Echo != nil {
		if err := r.cfg.Echo.PrintEvent(ev); err != nil {
			log.Printf("WARN: event echo failed: %v", err)
		}
	}
	r.trackLatest(stored)
	return nil
}

// peekSeq returns the next sequence of channel. The caller holds the channel lock until
// commitSeq, so no other record can take the same sequence.
func (r *Recorder) peekSeq(channel string) (uint64, error) {
	r.seqMu.Lock()
	seq, ok := r.seqs[channel]
	r.seqMu.Unlock()
	if !ok { // continue after any events already stored for the channel
		keys, err := r.storage.ListKeysPrefix(channel + eventKeySeparator)
		if err != nil {
			return 0, fmt.Errorf("list channel %q: %w", channel, err)
		}
		for _, key := range keys {
			if ch, s, ok := ParseEventKey(key); ok && ch == channel {
				seq = max(seq, s)
			}
		}
	}
	return seq + 1, nil
}

func (r *Recorder) commitSeq(channel string, seq uint64) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	r.seqs[channel] = seq
	r.recorded[channel]++
}

func (r *Recorder) trackLatest(ev *StoredEvent) {
	var frameFields []Field
	if len(ev.Frames) > 0 {
		frameFields = ev.Frames[0].Fields
	}
	current := &latestEvent{
		seq:  ev.Seq,
		id:   FieldsID(frameFields),
		flat: FlattenFields(frameFields, r.cfg.HashLimit),
	}
	key := stringKey(ev.Channel)
	if r.cfg.LogChanges {
		if prior, ok := r.latest.Get(key); ok && prior.id != current.id {
			for _, change := range ChangedFields(prior.flat, current.flat) {
				log.Printf("[%s] #%d -> #%d %s:\n%s", ev.Channel, prior.seq, current.seq, change.Path, limitStringLines(change.Diff, maxLoggedDiffLines, true))
			}
		}
	}
	var cost int64
	for k, v := range current.flat {
		cost += int64(len(k) + len(v))
	}
	r.latest.Set(key, current, max(cost, 1))
	r.latest.Wait()
}

// Probes returns the number of probe handshakes received.
func (r *Recorder) Probes() int64 {
	return r.probes.Load()
}

// Events returns the number of events recorded.
func (r *Recorder) Events() int64 {
	return r.events.Load()
}

// Failures returns the number of events which could not be recorded.
func (r *Recorder) Failures() int64 {
	return r.failure.Load()
}

// ChannelCounts returns the number of events recorded per channel by this recorder.
func (r *Recorder) ChannelCounts() map[string]uint64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	counts := make(map[string]uint64, len(r.recorded))
	for ch, n := range r.recorded {
		counts[ch] = n
	}
	return counts
}

// Close releases the cache, the storage is left open.
func (r *Recorder) Close() {
	r.latest.Close()
}

// FieldChange describes a flattened field which differs between two events.
type FieldChange struct {
	Path   string
	Before string
	After  string
	Diff   string
}

// ChangedFields compares two flattened field sets, reporting changes sorted by path.
func ChangedFields(before, after map[string]string) []FieldChange {
	var changes []FieldChange
	for path, b := range before {
		a, ok := after[path]
		if !ok {
			a = absentFieldValue
		}
		if a != b {
			changes = append(changes, FieldChange{Path: path, Before: b, After: a, Diff: DiffValues(b, a)})
		}
	}
	for path, a := range after {
		if _, ok := before[path]; !ok {
			changes = append(changes, FieldChange{Path: path, Before: absentFieldValue, After: a,
				Diff: DiffValues(absentFieldValue, a)})
		}
	}
	slices.SortFunc(changes, func(x, y FieldChange) int {
		return strings.Compare(x.Path, y.Path)
	})
	return changes
}

// DiffValues returns a readable difference of two flattened values, or an empty string when
// they are equal.
func DiffValues(v1, v2 string) string {
	if v1 == v2 {
		return ""
	}
	hashSuffix := func(v string) string {
		return "<VALUE TOO LARGE ..." + v[max(0, len(v)-4):] + ">"
	}
	preHashed := strings.HasPrefix(v1, HashFieldValuePrefix)
	postHashed := strings.HasPrefix(v2, HashFieldValuePrefix)
	switch {
	case preHashed && postHashed:
		return hashSuffix(v1) + " != " + hashSuffix(v2)
	case preHashed:
		return hashSuffix(v1) + " != " + strconv.Quote(v2)
	case postHashed:
		return strconv.Quote(v1) + " != " + hashSuffix(v2)
	}
	if !strings.Contains(v1, "\n") && !strings.Contains(v2, "\n") {
		return strconv.Quote(v1) + " != " + strconv.Quote(v2)
	}
	diff := difflib.UnifiedDiff{
		A:       difflib.SplitLines(v1),
		B:       difflib.SplitLines(v2),
		Context: 2,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil && text != "" {
		return text
	}
	return fmt.Sprintf("\t'%v'\n!=\n\t'%v'", v1, v2)
}
