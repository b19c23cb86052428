// Package commitstream ships committed transactions to downstream consumers
// over HTTP/3. A Publisher hangs off the coordinator's commit hook and
// batches events onto long-lived streaming requests; a Receiver is the
// other end, decoding the stream back into events.
//
// The stream is an observability and cache-warming feed, not part of the
// durability story: a transaction is committed once its log record is
// synced, whether or not anyone is listening here.
package commitstream

import (
	"encoding/json"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/transaction"
)

// Event is the wire form of one committed transaction.
type Event struct {
	Region    string             `json:"region"`
	TxnID     uint64             `json:"txnId"`
	Seq       uint64             `json:"seq"`
	Mutations []kvstore.Mutation `json:"mutations"`
}

func encodeEvent(ev transaction.CommitEvent) ([]byte, error) {
	return json.Marshal(Event{
		Region:    ev.RegionID,
		TxnID:     ev.TxnID,
		Seq:       ev.Seq,
		Mutations: ev.Mutations,
	})
}

// DecodeEvent parses one framed payload back into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
