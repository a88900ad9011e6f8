package stellar

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/stellar/go/ingest"
	"github.com/stellar/go/xdr"

	"github.com/pendergraft/sorobanregistry/internal/ledger"
)

// extraction is everything derived from one ledger close meta
type extraction struct {
	ledger ledger.Ledger
	codes  map[string][]byte // hex wasm hash -> code uploaded in this ledger
}

// extractLedger walks the successful Soroban transactions of a ledger and
// derives contract lifecycle events and uploaded code.
func extractLedger(passphrase string, lcm xdr.LedgerCloseMeta) (*extraction, error) {
	seq := lcm.LedgerSequence()
	out := &extraction{
		ledger: ledger.Ledger{
			Sequence: seq,
			ClosedAt: lcm.ClosedAt().UTC(),
		},
		codes: make(map[string][]byte),
	}

	reader, err := ingest.NewLedgerTransactionReaderFromLedgerCloseMeta(passphrase, lcm)
	if err != nil {
		return nil, fmt.Errorf("creating transaction reader for ledger %d: %w", seq, err)
	}
	defer reader.Close()

	for {
		tx, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading transaction in ledger %d: %w", seq, err)
		}
		if !tx.Successful() || !tx.IsSorobanTx() {
			continue
		}

		changes, err := tx.GetChanges()
		if err != nil {
			return nil, fmt.Errorf("reading changes of tx %s: %w", tx.Hash.HexString(), err)
		}
		events, err := eventsFromChanges(changes, seq, tx.Hash.HexString(), out.codes)
		if err != nil {
			return nil, err
		}
		out.ledger.Events = append(out.ledger.Events, events...)
	}
	return out, nil
}

// eventsFromChanges maps contract instance changes to lifecycle events and
// records uploaded code into codes. Instance updates that keep the same
// executable (instance storage writes) produce no event.
func eventsFromChanges(changes []ingest.Change, seq uint32, txHash string, codes map[string][]byte) ([]ledger.Event, error) {
	var events []ledger.Event
	for _, change := range changes {
		switch change.Type {
		case xdr.LedgerEntryTypeContractCode:
			if change.Post == nil {
				continue
			}
			if code, ok := change.Post.Data.GetContractCode(); ok {
				codes[hex.EncodeToString(code.Hash[:])] = code.Code
			}

		case xdr.LedgerEntryTypeContractData:
			ev, ok, err := instanceEvent(change)
			if err != nil {
				return nil, err
			}
			if ok {
				ev.Ledger = seq
				ev.TxHash = txHash
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func instanceEvent(change ingest.Change) (ledger.Event, bool, error) {
	pre, preOK := instanceOf(change.Pre)
	post, postOK := instanceOf(change.Post)
	if !preOK && !postOK {
		return ledger.Event{}, false, nil
	}

	entry := change.Post
	if entry == nil {
		entry = change.Pre
	}
	contractID, err := entry.Data.ContractData.Contract.String()
	if err != nil {
		return ledger.Event{}, false, fmt.Errorf("encoding contract address: %w", err)
	}

	switch {
	case !preOK && postOK:
		if post == "" {
			return ledger.Event{}, false, nil
		}
		return ledger.Event{Kind: ledger.EventCreate, ContractID: contractID, WasmHash: post}, true, nil
	case preOK && !postOK:
		return ledger.Event{Kind: ledger.EventRetire, ContractID: contractID}, true, nil
	case pre != post && post != "":
		return ledger.Event{Kind: ledger.EventUpdate, ContractID: contractID, WasmHash: post}, true, nil
	}
	return ledger.Event{}, false, nil
}

// instanceOf reports whether entry is a contract instance and returns its
// hex wasm hash. Stellar asset contracts are instances with an empty hash.
func instanceOf(entry *xdr.LedgerEntry) (string, bool) {
	if entry == nil {
		return "", false
	}
	data, ok := entry.Data.GetContractData()
	if !ok || data.Key.Type != xdr.ScValTypeScvLedgerKeyContractInstance {
		return "", false
	}
	instance, ok := data.Val.GetInstance()
	if !ok {
		return "", false
	}
	if instance.Executable.Type != xdr.ContractExecutableTypeContractExecutableWasm || instance.Executable.WasmHash == nil {
		return "", true
	}
	return hex.EncodeToString(instance.Executable.WasmHash[:]), true
}
