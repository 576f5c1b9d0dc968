package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qiminjie89/ripc/internal/protocol"
)

func Test_formatUpdate(t *testing.T) {
	got := formatUpdate(&protocol.MarketUpdate{
		Type:   protocol.UpdateUpdate,
		Item:   "AAPL.O",
		Seq:    7,
		Fields: map[string]float64{"TRDPRC": 101.5, "ASK": 101.51, "BID": 101.49},
	})
	assert.Equal(t, "update  AAPL.O     seq=7 ASK=101.5100 BID=101.4900 TRDPRC=101.5000", got)

	got = formatUpdate(&protocol.MarketUpdate{Type: protocol.UpdateStatus, Item: "IBM.N", Text: "halted"})
	assert.Equal(t, `status  IBM.N      seq=0 "halted"`, got)
}

func Test_bridge_offerDropsWhenFull(t *testing.T) {
	b := newBridge(nil)
	for i := 0; i < bridgeQueueSize; i++ {
		b.offer("X", []byte{1})
	}
	b.offer("X", []byte{1})
	assert.Equal(t, uint64(1), b.dropped.Load())
	assert.Len(t, b.queue, bridgeQueueSize)
}
