package store

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	l := logrus.New()
	l.Out = io.Discard
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), l)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenUnwritablePath(t *testing.T) {
	l := logrus.New()
	l.Out = io.Discard
	path := filepath.Join(t.TempDir(), "missing", "history.db")
	if s, err := Open(path, l); err == nil {
		s.Close()
		t.Fatalf("Open(%q) succeeded", path)
	}
}

func TestDatagrams(t *testing.T) {
	s := openTest(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		d := &Datagram{At: base.Add(time.Duration(i) * time.Minute), From: 0x02, To: 0x01, Seq: byte(i), Payload: []byte{byte(i)}, RSSI: -60}
		if err := s.SaveDatagram(d); err != nil {
			t.Fatal(err)
		}
		if d.ID == 0 {
			t.Fatal("primary key not set")
		}
	}
	if err := s.SaveDatagram(&Datagram{From: 0x03, To: 0x01}); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentDatagrams(0x02, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 2 {
		t.Fatalf("RecentDatagrams() = %+v", got)
	}
	if got[0].Payload[0] != 3 || got[0].RSSI != -60 || got[0].To != 0x01 {
		t.Errorf("row = %+v", got[0])
	}

	other, err := s.RecentDatagrams(0x03, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 || other[0].At.IsZero() {
		t.Errorf("RecentDatagrams(0x03) = %+v", other)
	}
}

func TestRangingAndPrune(t *testing.T) {
	s := openTest(t)
	old := time.Now().Add(-48 * time.Hour)
	rows := []*Ranging{
		{At: old, Address: "01020304", Raw: 100, Meters: 2.25},
		{Address: "01020304", Raw: 4096, Meters: 92.3, Filtered: true},
		{Address: "0a0b0c0d", Raw: 10, Meters: 0.2},
	}
	for _, r := range rows {
		if err := s.SaveRanging(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.RecentRanging("01020304", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Raw != 4096 || !got[0].Filtered {
		t.Fatalf("RecentRanging() = %+v", got)
	}

	n, err := s.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d rows, want 1", n)
	}
	got, _ = s.RecentRanging("01020304", 10)
	if len(got) != 1 {
		t.Errorf("after prune: %+v", got)
	}
}
