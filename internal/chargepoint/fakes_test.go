package chargepoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocpp16cp/chargepoint/internal/driver"
	"github.com/ocpp16cp/chargepoint/internal/logging"
	"github.com/ocpp16cp/chargepoint/internal/simdriver"
)

// fakeKV is an in-memory driver.KeyValueStore, sufficient for exercising
// the persistence accessor layer without an embedded badger instance.
type fakeKV struct {
	mu     sync.Mutex
	tables map[string]map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{tables: make(map[string]map[string]string)}
}

func (f *fakeKV) table(name string) map[string]string {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]string)
		f.tables[name] = t
	}
	return t
}

func (f *fakeKV) Init(ctx context.Context) error { return nil }

func (f *fakeKV) Transaction(ctx context.Context, table string, ops []driver.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(table)
	for _, op := range ops {
		if op.Value == nil {
			delete(t, op.Key)
			continue
		}
		t[op.Key] = *op.Value
	}
	return nil
}

func (f *fakeKV) Get(ctx context.Context, table, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.table(table)[key]
	return v, ok, nil
}

func (f *fakeKV) GetAll(ctx context.Context, table string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.table(table)))
	for k, v := range f.table(table) {
		out[k] = v
	}
	return out, nil
}

func (f *fakeKV) CountKeys(ctx context.Context, table string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.table(table)), nil
}

func (f *fakeKV) DeleteTable(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, table)
	return nil
}

func (f *fakeKV) DeleteAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = make(map[string]map[string]string)
	return nil
}

func (f *fakeKV) Close() error { return nil }

// fakeWs is an in-memory driver.Websocket that records every frame sent
// instead of writing to a real connection, and lets tests inject events.
type fakeWs struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan driver.WsEvent
	failSend bool
}

func newFakeWs() *fakeWs {
	return &fakeWs{events: make(chan driver.WsEvent, 16)}
}

func (w *fakeWs) Connect(ctx context.Context, url string) error { return nil }

func (w *fakeWs) Send(ctx context.Context, text []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failSend {
		return fmt.Errorf("fakeWs: send failed")
	}
	w.sent = append(w.sent, append([]byte(nil), text...))
	return nil
}

func (w *fakeWs) Close(ctx context.Context) error { return nil }

func (w *fakeWs) Events() <-chan driver.WsEvent { return w.events }

func (w *fakeWs) lastSent() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sent) == 0 {
		return nil
	}
	return w.sent[len(w.sent)-1]
}

func (w *fakeWs) sentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func testLogger() *logging.Logger {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", Output: "stdout"})
	if err != nil {
		panic(err)
	}
	return log
}

// newTestChargePoint builds a fully wired, initialized ChargePoint against
// in-memory fakes: a fake KeyValueStore, a fake Websocket and the real
// simulated Hardware/Firmware/Diagnostics drivers.
func newTestChargePoint(t interface{ Fatalf(string, ...interface{}) }, numConnectors int) (*ChargePoint, *fakeWs, *fakeKV) {
	kv := newFakeKV()
	ws := newFakeWs()
	hw := simdriver.NewHardware(numConnectors, 0)
	fw := simdriver.NewFirmware()
	diag := simdriver.NewDiagnostics()

	registry := NewRegistry(numConnectors)
	identity := Identity{ChargePointID: "CP-TEST", ChargePointVendor: "ocpp16cp", ChargePointModel: "sim"}
	cp := New(identity, registry, kv, ws, hw, fw, diag, testLogger(), Options{})

	if err := cp.Init(context.Background(), false); err != nil {
		t.Fatalf("init test chargepoint: %v", err)
	}
	return cp, ws, kv
}
