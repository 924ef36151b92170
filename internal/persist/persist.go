// Package persist implements the typed accessor layer (C3) over the
// driver.KeyValueStore contract: named tables for configuration snapshots,
// the authorization cache, the local authorization list, reservations,
// per-connector availability, firmware outcome, and the transaction log.
// The schema-migration gate (clearing everything but the config tables on
// a detected default-config drift) lives here, not in the concrete driver.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ocpp16cp/chargepoint/internal/driver"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

const (
	TablePreviousConfigs = "previous_configs"
	TableConfig          = "config"
	TableCache           = "cache"
	TableLocalList       = "local_list"
	TableReservation     = "reservation"
	TableAvailability    = "availabilitytype"
	TableFirmware        = "firmware"
	TableTransaction     = "transaction"
)

// clearedOnDrift is every table reset by the schema-migration gate besides
// previous_configs/config, which are reseeded instead. The reservation
// table is not in it and survives a drift reset.
var clearedOnDrift = []string{
	TableCache, TableLocalList, TableAvailability, TableFirmware, TableTransaction,
}

type Store struct {
	kv driver.KeyValueStore
}

func New(kv driver.KeyValueStore) *Store {
	return &Store{kv: kv}
}

// CacheEntry is the JSON value stored per idTag in the cache table.
type CacheEntry struct {
	Info      ocpp.IdTagInfo `json:"info"`
	UpdatedAt string         `json:"updated_at"`
}

// LocalListEntry is one entry of the local authorization list.
type LocalListEntry struct {
	IdTag    string          `json:"id_tag"`
	IdTagInfo *ocpp.IdTagInfo `json:"id_tag_info,omitempty"`
}

const localListVersionKey = "version#"

// Init runs the schema-migration gate: if the stored previous_configs
// snapshot differs from defaultConfigs, every non-config table is cleared
// and previous_configs/config are reseeded from defaultConfigs. clearDB
// forces the same reseed unconditionally, bypassing drift detection —
// the host's bootstrap document can request this on first start (or to
// force a clean slate) via ChargePointConfig.clear_db.
func (s *Store) Init(ctx context.Context, defaultConfigs map[string]string, clearDB bool) error {
	if err := s.kv.Init(ctx); err != nil {
		return fmt.Errorf("init persistence driver: %w", err)
	}

	if clearDB {
		if err := s.kv.DeleteAll(ctx); err != nil {
			return fmt.Errorf("clear db on host-forced reset: %w", err)
		}
	}

	stored, err := s.kv.GetAll(ctx, TablePreviousConfigs)
	if err != nil {
		return fmt.Errorf("read previous_configs: %w", err)
	}

	if clearDB || !sameSnapshot(stored, defaultConfigs) {
		for _, table := range clearedOnDrift {
			if err := s.kv.DeleteTable(ctx, table); err != nil {
				return fmt.Errorf("clear table %s on schema drift: %w", table, err)
			}
		}
		if err := reseed(ctx, s.kv, TablePreviousConfigs, defaultConfigs); err != nil {
			return err
		}
		if err := reseed(ctx, s.kv, TableConfig, defaultConfigs); err != nil {
			return err
		}
	}
	return nil
}

func sameSnapshot(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func reseed(ctx context.Context, kv driver.KeyValueStore, table string, values map[string]string) error {
	if err := kv.DeleteTable(ctx, table); err != nil {
		return fmt.Errorf("clear %s before reseed: %w", table, err)
	}
	ops := make([]driver.Op, 0, len(values))
	for k, v := range values {
		ops = append(ops, driver.Set(k, v))
	}
	if err := kv.Transaction(ctx, table, ops); err != nil {
		return fmt.Errorf("reseed %s: %w", table, err)
	}
	return nil
}

// --- configuration registry persistence ---

func (s *Store) GetConfigRaw(ctx context.Context, key string) (string, bool, error) {
	return s.kv.Get(ctx, TableConfig, key)
}

func (s *Store) GetAllConfigRaw(ctx context.Context) (map[string]string, error) {
	return s.kv.GetAll(ctx, TableConfig)
}

func (s *Store) SetConfigRaw(ctx context.Context, key, raw string) error {
	return s.kv.Transaction(ctx, TableConfig, []driver.Op{driver.Set(key, raw)})
}

// --- authorization cache persistence ---

func (s *Store) GetCacheEntry(ctx context.Context, idTag string) (CacheEntry, bool, error) {
	raw, ok, err := s.kv.Get(ctx, TableCache, idTag)
	if err != nil || !ok {
		return CacheEntry{}, false, err
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode cache entry %s: %w", idTag, err)
	}
	return entry, true, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, idTag string, entry CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", idTag, err)
	}
	return s.kv.Transaction(ctx, TableCache, []driver.Op{driver.Set(idTag, string(raw))})
}

func (s *Store) DeleteCacheEntry(ctx context.Context, idTag string) error {
	return s.kv.Transaction(ctx, TableCache, []driver.Op{driver.Del(idTag)})
}

func (s *Store) ClearCache(ctx context.Context) error {
	return s.kv.DeleteTable(ctx, TableCache)
}

// --- local authorization list persistence ---

func (s *Store) GetLocalListVersion(ctx context.Context) (int, error) {
	raw, ok, err := s.kv.Get(ctx, TableLocalList, localListVersionKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("decode local list version: %w", err)
	}
	return v, nil
}

func (s *Store) GetLocalListEntries(ctx context.Context) (map[string]LocalListEntry, error) {
	all, err := s.kv.GetAll(ctx, TableLocalList)
	if err != nil {
		return nil, err
	}
	out := make(map[string]LocalListEntry, len(all))
	for k, raw := range all {
		if k == localListVersionKey {
			continue
		}
		var e LocalListEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode local list entry %s: %w", k, err)
		}
		out[k] = e
	}
	return out, nil
}

// ReplaceLocalList atomically sets the local list to exactly entries at
// version (0 if entries is empty), replacing any prior contents.
func (s *Store) ReplaceLocalList(ctx context.Context, version int, entries map[string]LocalListEntry) error {
	if err := s.kv.DeleteTable(ctx, TableLocalList); err != nil {
		return fmt.Errorf("clear local_list before replace: %w", err)
	}
	ops := make([]driver.Op, 0, len(entries)+1)
	ops = append(ops, driver.Set(localListVersionKey, strconv.Itoa(version)))
	for tag, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode local list entry %s: %w", tag, err)
		}
		ops = append(ops, driver.Set(tag, string(raw)))
	}
	return s.kv.Transaction(ctx, TableLocalList, ops)
}

// --- reservation persistence ---

func (s *Store) GetReservation(ctx context.Context, reservationID string) (string, bool, error) {
	return s.kv.Get(ctx, TableReservation, reservationID)
}

func (s *Store) GetAllReservations(ctx context.Context) (map[string]string, error) {
	return s.kv.GetAll(ctx, TableReservation)
}

func (s *Store) PutReservation(ctx context.Context, reservationID, raw string) error {
	return s.kv.Transaction(ctx, TableReservation, []driver.Op{driver.Set(reservationID, raw)})
}

func (s *Store) DeleteReservation(ctx context.Context, reservationID string) error {
	return s.kv.Transaction(ctx, TableReservation, []driver.Op{driver.Del(reservationID)})
}

// --- per-connector availability persistence ---

func (s *Store) GetAvailability(ctx context.Context, connector int) (string, bool, error) {
	return s.kv.Get(ctx, TableAvailability, strconv.Itoa(connector))
}

func (s *Store) SetAvailability(ctx context.Context, connector int, value string) error {
	return s.kv.Transaction(ctx, TableAvailability, []driver.Op{driver.Set(strconv.Itoa(connector), value)})
}

// --- firmware outcome persistence ---

const firmwareStateKey = "state"

func (s *Store) GetFirmwareOutcome(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, TableFirmware, firmwareStateKey)
}

func (s *Store) SetFirmwareOutcome(ctx context.Context, outcome string) error {
	return s.kv.Transaction(ctx, TableFirmware, []driver.Op{driver.Set(firmwareStateKey, outcome)})
}

func (s *Store) ClearFirmwareOutcome(ctx context.Context) error {
	return s.kv.Transaction(ctx, TableFirmware, []driver.Op{driver.Del(firmwareStateKey)})
}

// --- transaction log persistence ---

func eventKey(n int64) string              { return fmt.Sprintf("event:%d", n) }
func txMapKey(localTx int64) string        { return fmt.Sprintf("transaction_map:%d", localTx) }
func txConnectorKey(localTx int64) string  { return fmt.Sprintf("transaction_connector_map:%d", localTx) }
func meterKeyPrefix(localTx int64) string  { return fmt.Sprintf("meter:%d:", localTx) }

const numTransactionsKey = "num_transactions"

// TransactionTxn batches a set of transaction-table mutations so an event
// pop and its derived state change (server tx id, meter purge, ...) commit
// atomically, per the pipeline's durability invariant.
type TransactionTxn struct {
	ops []driver.Op
}

func (t *TransactionTxn) PutEvent(n int64, raw string) *TransactionTxn {
	t.ops = append(t.ops, driver.Set(eventKey(n), raw))
	return t
}
func (t *TransactionTxn) DeleteEvent(n int64) *TransactionTxn {
	t.ops = append(t.ops, driver.Del(eventKey(n)))
	return t
}
func (t *TransactionTxn) PutServerTxID(localTx int64, serverTxID string) *TransactionTxn {
	t.ops = append(t.ops, driver.Set(txMapKey(localTx), serverTxID))
	return t
}
func (t *TransactionTxn) PutConnector(localTx int64, connector int) *TransactionTxn {
	t.ops = append(t.ops, driver.Set(txConnectorKey(localTx), strconv.Itoa(connector)))
	return t
}
func (t *TransactionTxn) PutMeterSample(localTx int64, k int, raw string) *TransactionTxn {
	t.ops = append(t.ops, driver.Set(meterKeyPrefix(localTx)+strconv.Itoa(k), raw))
	return t
}
func (t *TransactionTxn) SetNumTransactions(n int64) *TransactionTxn {
	t.ops = append(t.ops, driver.Set(numTransactionsKey, strconv.FormatInt(n, 10)))
	return t
}

func (s *Store) NewTransactionTxn() *TransactionTxn { return &TransactionTxn{} }

func (s *Store) CommitTransactionTxn(ctx context.Context, t *TransactionTxn) error {
	return s.kv.Transaction(ctx, TableTransaction, t.ops)
}

// TransactionSnapshot is the full contents of the transaction table, used
// to rebuild pipeline state on boot (crash recovery).
type TransactionSnapshot struct {
	Events           map[int64]string
	ServerTxByLocal  map[int64]string
	ConnectorByLocal map[int64]int
	MeterSamples     map[int64]map[int]string
	NumTransactions  int64
}

func (s *Store) LoadTransactionSnapshot(ctx context.Context) (*TransactionSnapshot, error) {
	all, err := s.kv.GetAll(ctx, TableTransaction)
	if err != nil {
		return nil, fmt.Errorf("load transaction table: %w", err)
	}
	snap := &TransactionSnapshot{
		Events:           make(map[int64]string),
		ServerTxByLocal:  make(map[int64]string),
		ConnectorByLocal: make(map[int64]int),
		MeterSamples:     make(map[int64]map[int]string),
	}
	for k, v := range all {
		switch {
		case k == numTransactionsKey:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode num_transactions: %w", err)
			}
			snap.NumTransactions = n
		case strings.HasPrefix(k, "event:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(k, "event:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode event key %s: %w", k, err)
			}
			snap.Events[n] = v
		case strings.HasPrefix(k, "transaction_map:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(k, "transaction_map:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode transaction_map key %s: %w", k, err)
			}
			snap.ServerTxByLocal[n] = v
		case strings.HasPrefix(k, "transaction_connector_map:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(k, "transaction_connector_map:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode transaction_connector_map key %s: %w", k, err)
			}
			c, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("decode connector for local tx %d: %w", n, err)
			}
			snap.ConnectorByLocal[n] = c
		case strings.HasPrefix(k, "meter:"):
			rest := strings.TrimPrefix(k, "meter:")
			parts := strings.SplitN(rest, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("malformed meter key %s", k)
			}
			local, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode meter key local tx %s: %w", k, err)
			}
			idx, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("decode meter key index %s: %w", k, err)
			}
			if snap.MeterSamples[local] == nil {
				snap.MeterSamples[local] = make(map[int]string)
			}
			snap.MeterSamples[local][idx] = v
		}
	}
	return snap, nil
}

// SortedEventIndices returns snap.Events' keys in ascending order, the
// durable delivery order the pipeline must replay in.
func (snap *TransactionSnapshot) SortedEventIndices() []int64 {
	idx := make([]int64, 0, len(snap.Events))
	for k := range snap.Events {
		idx = append(idx, k)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	return idx
}

func (s *Store) DeleteAll(ctx context.Context) error {
	return s.kv.DeleteAll(ctx)
}
