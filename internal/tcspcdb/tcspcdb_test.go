package tcspcdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDummyConnection(t *testing.T) {
	db := DummyDBConnection()
	assert.False(t, db.IsConnected())
	// None of these may block or panic without a database.
	db.RecordAcquisition(&AcquisitionMessage{ID: "x"})
	db.FinishAcquisition(&AcquisitionMessage{ID: "x"})
	db.Disconnect()
	db.Wait()

	var nilDB *DBConnection
	assert.False(t, nilDB.IsConnected())
	assert.Error(t, nilDB.Err())
}

func TestRows(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC)
	ae := &ActivityMessage{ID: "A", Hostname: "h", CPUs: 8, Start: start, End: start}
	row := activityRow(ae)
	assert.Len(t, row, 8)
	assert.Equal(t, "2024-03-01 12:30:45.123456", row[6])

	m := &AcquisitionMessage{ID: "R", Mode: "T3", Tacq: 1500 * time.Millisecond,
		Records: 10, Complete: true, Start: start, End: start.Add(time.Second)}
	row = acquisitionRow("A", m)
	assert.Len(t, row, 16)
	assert.Equal(t, "A", row[1])
	assert.Equal(t, int64(1500), row[7])
	assert.Equal(t, true, row[12])
	assert.Equal(t, "2024-03-01 12:30:46.123456", row[15])
}
