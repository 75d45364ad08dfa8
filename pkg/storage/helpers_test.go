package storage

import (
	"sync"
	"testing"
	"time"

	"datanet/pkg/security"
	"datanet/pkg/types"
	"datanet/pkg/wire"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	noteMeta   = MetaData{TTL: time.Hour, MaxSizeBytes: 1000, ClassName: "TestNote"}
	noticeMeta = MetaData{TTL: time.Hour, MaxSizeBytes: 1000, ClassName: "TestNotice", Priority: HighPriority}
	letterMeta = MetaData{TTL: time.Hour, MaxSizeBytes: 1000, ClassName: "TestLetter"}
	recordMeta = MetaData{TTL: 24 * time.Hour, MaxSizeBytes: 100_000, ClassName: "TestRecord"}
)

type testNote struct {
	Text    string
	Invalid bool
}

func (p *testNote) MetaData() MetaData  { return noteMeta }
func (p *testNote) IsDataInvalid() bool { return p.Invalid }

func (p *testNote) Serialize() []byte {
	return wire.NewEncoder().String(1, p.Text).Bool(2, p.Invalid).Encode()
}

type testNotice struct {
	Authorized
	Headline   string
	StaticKeys [][]byte
}

func (p *testNotice) MetaData() MetaData             { return noticeMeta }
func (p *testNotice) IsDataInvalid() bool            { return p.Headline == "" }
func (p *testNotice) AuthorizedPublicKeys() [][]byte { return p.StaticKeys }
func (p *testNotice) StaticPublicKeysProvided() bool { return len(p.StaticKeys) > 0 }

func (p *testNotice) Serialize() []byte {
	e := wire.NewEncoder().String(1, p.Headline)
	for _, k := range p.StaticKeys {
		e.Bytes(2, k)
	}
	return e.Encode()
}

type testLetter struct {
	Mailbox
	Sender types.Hash
	Body   []byte
}

func (p *testLetter) MetaData() MetaData              { return letterMeta }
func (p *testLetter) IsDataInvalid() bool             { return len(p.Body) == 0 }
func (p *testLetter) SenderPublicKeyHash() types.Hash { return p.Sender }

func (p *testLetter) Serialize() []byte {
	return wire.NewEncoder().Bytes(1, p.Sender[:]).Bytes(2, p.Body).Encode()
}

type testRecord struct {
	AppendOnly
	Statement string
}

func (p *testRecord) MetaData() MetaData  { return recordMeta }
func (p *testRecord) IsDataInvalid() bool { return p.Statement == "" }

func (p *testRecord) Serialize() []byte {
	return wire.NewEncoder().String(1, p.Statement).Encode()
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(noteMeta.ClassName, func(data []byte) (Payload, error) {
		p := &testNote{}
		err := wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				p.Text = f.String()
			case 2:
				p.Invalid = f.Varint != 0
			}
			return nil
		})
		return p, err
	})
	r.Register(noticeMeta.ClassName, func(data []byte) (Payload, error) {
		p := &testNotice{}
		err := wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				p.Headline = f.String()
			case 2:
				p.StaticKeys = append(p.StaticKeys, f.CopyBytes())
			}
			return nil
		})
		return p, err
	})
	r.Register(letterMeta.ClassName, func(data []byte) (Payload, error) {
		p := &testLetter{}
		err := wire.Decode(data, func(f wire.Field) error {
			var err error
			switch f.Num {
			case 1:
				p.Sender, err = types.HashFromBytes(f.Bytes)
			case 2:
				p.Body = f.CopyBytes()
			}
			return err
		})
		return p, err
	})
	r.Register(recordMeta.ClassName, func(data []byte) (Payload, error) {
		p := &testRecord{}
		err := wire.Decode(data, func(f wire.Field) error {
			if f.Num == 1 {
				p.Statement = f.String()
			}
			return nil
		})
		return p, err
	})
	return r
}

// testClock is a settable clock shared by stores and request builders.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testStoreConfig(t *testing.T, clock *testClock) StoreConfig {
	return StoreConfig{
		Registry: testRegistry(),
		Logger:   zaptest.NewLogger(t),
		Now:      clock.Now,
	}
}

func newKeyPair(t *testing.T) *security.KeyPair {
	kp, err := security.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

// recorder counts listener callbacks per kind.
type recorder struct {
	mu        sync.Mutex
	added     []Event
	removed   []Event
	refreshed []Event
}

func (r *recorder) OnAdded(e Event) {
	r.mu.Lock()
	r.added = append(r.added, e)
	r.mu.Unlock()
}

func (r *recorder) OnRemoved(e Event) {
	r.mu.Lock()
	r.removed = append(r.removed, e)
	r.mu.Unlock()
}

func (r *recorder) OnRefreshed(e Event) {
	r.mu.Lock()
	r.refreshed = append(r.refreshed, e)
	r.mu.Unlock()
}

func (r *recorder) counts() (added, removed, refreshed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.removed), len(r.refreshed)
}

type panicListener struct{}

func (panicListener) OnAdded(Event)     { panic("boom") }
func (panicListener) OnRemoved(Event)   { panic("boom") }
func (panicListener) OnRefreshed(Event) { panic("boom") }
