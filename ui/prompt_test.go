package ui

import (
	"strings"
	"testing"

	"fileserver/discovery"
	"fileserver/models"
	"fileserver/network"
)

func TestDescribeOffer(t *testing.T) {
	file := DescribeOffer(network.Offer{Kind: network.OfferFile, Peer: "10.0.0.2:9999", Name: "a.bin", Size: 2048})
	if file != `10.0.0.2:9999 offers file "a.bin" (2.0 KiB)` {
		t.Fatalf("unexpected file description %q", file)
	}

	resumed := DescribeOffer(network.Offer{Kind: network.OfferFile, Peer: "p", Name: "a.bin", Size: 2048, Cursor: 1024, Resume: true})
	if !strings.HasSuffix(resumed, "resuming at 1.0 KiB") {
		t.Fatalf("unexpected resume description %q", resumed)
	}

	dir := DescribeOffer(network.Offer{Kind: network.OfferDirectory, Peer: "p", Name: "photos", Files: 3, Size: 15})
	if dir != `p offers directory "photos": 3 file(s), 15 B` {
		t.Fatalf("unexpected directory description %q", dir)
	}
}

func TestOfferDeciderAutoAccepts(t *testing.T) {
	decide := OfferDecider(true)
	if !decide(network.Offer{Name: "x"}) {
		t.Fatalf("expected auto-accept")
	}
}

func TestSelectPeerWithoutPeers(t *testing.T) {
	if _, err := SelectPeer(nil); err != ErrNoPeers {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
}

func TestPeerOption(t *testing.T) {
	peer := discovery.Server{Announcement: discovery.Announcement{Name: "Bob", Port: 9999}, Addresses: []string{"10.0.0.2"}}
	if got := peerOption(0, peer); got != "1. Bob (10.0.0.2:9999)" {
		t.Fatalf("unexpected option %q", got)
	}
}

func TestHistoryTable(t *testing.T) {
	data := historyTable([]models.Transfer{
		{
			Direction:        models.DirectionReceive,
			Status:           models.TransferStatusComplete,
			Peer:             "10.0.0.2:9999",
			Name:             "a.jpg",
			Directory:        "photos",
			Size:             10,
			BytesTransferred: 10,
			Checksum:         strings.Repeat("ab", 32),
		},
	})
	if len(data) != 2 {
		t.Fatalf("expected header plus one row, got %d rows", len(data))
	}
	row := data[1]
	if row[0] != "-" || row[4] != "photos/a.jpg" || row[5] != "10 B / 10 B" || row[6] != strings.Repeat("ab", 16) {
		t.Fatalf("unexpected row %v", row)
	}
}
