package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	appcrypto "fileserver/crypto"
	"fileserver/discovery"
	"fileserver/models"
	"fileserver/network"
)

// ErrNoPeers is returned by SelectPeer when discovery found nobody.
var ErrNoPeers = errors.New("no peers discovered")

// OfferDecider returns the accept/deny callback for inbound offers. With
// autoAccept set every offer is accepted without prompting.
func OfferDecider(autoAccept bool) network.DecisionFunc {
	return func(offer network.Offer) bool {
		LogInfo("%s", DescribeOffer(offer))
		if autoAccept {
			LogInfo("auto-accepting %q", offer.Name)
			return true
		}
		return Confirm("Accept?", true)
	}
}

// DescribeOffer renders an offer for the user.
func DescribeOffer(offer network.Offer) string {
	var b strings.Builder
	switch offer.Kind {
	case network.OfferDirectory:
		fmt.Fprintf(&b, "%s offers directory %q: %d file(s), %s", offer.Peer, offer.Name, offer.Files, FormatSize(offer.Size))
	default:
		fmt.Fprintf(&b, "%s offers file %q (%s)", offer.Peer, offer.Name, FormatSize(offer.Size))
	}
	if offer.Resume {
		fmt.Fprintf(&b, ", resuming at %s", FormatSize(offer.Cursor))
	}
	return b.String()
}

// ConfirmPeer asks whether an inbound connection should be served.
func ConfirmPeer(remote string) bool {
	return Confirm(fmt.Sprintf("Accept connection from %s?", remote), true)
}

// Confirm shows a yes/no prompt. Prompt failures count as "no".
func Confirm(text string, defaultValue bool) bool {
	answer, err := pterm.DefaultInteractiveConfirm.
		WithDefaultText(text).
		WithDefaultValue(defaultValue).
		Show()
	if err != nil {
		LogWarning("prompt failed: %v", err)
		return false
	}
	return answer
}

// ReadCommand prompts for one console command line.
func ReadCommand(prompt string) (string, error) {
	raw, err := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// SelectPeer lets the user pick one discovered server.
func SelectPeer(peers []discovery.Server) (discovery.Server, error) {
	if len(peers) == 0 {
		return discovery.Server{}, ErrNoPeers
	}

	options := make([]string, len(peers))
	for i, peer := range peers {
		options[i] = peerOption(i, peer)
	}

	selected, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a peer").
		Show()
	if err != nil {
		return discovery.Server{}, err
	}
	pterm.Println()

	for i, option := range options {
		if option == selected {
			return peers[i], nil
		}
	}
	return discovery.Server{}, fmt.Errorf("unknown selection %q", selected)
}

func peerOption(i int, peer discovery.Server) string {
	return fmt.Sprintf("%d. %s (%s)", i+1, peer.Name, peer.Address())
}

// RenderPeers prints discovered peers as a table.
func RenderPeers(peers []discovery.Server) error {
	if len(peers) == 0 {
		LogInfo("no peers discovered")
		return nil
	}
	data := pterm.TableData{{"Name", "Address", "Port mode", "Device", "Last seen"}}
	for _, peer := range peers {
		mode := peer.PortMode
		if mode == "" {
			mode = "-"
		}
		data = append(data, []string{peer.Name, peer.Address(), mode, peer.DeviceID, peer.LastSeen.Format("15:04:05")})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// RenderHistory prints the transfer journal as a table.
func RenderHistory(transfers []models.Transfer) error {
	if len(transfers) == 0 {
		LogInfo("no transfers recorded")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(historyTable(transfers)).Render()
}

func historyTable(transfers []models.Transfer) pterm.TableData {
	data := pterm.TableData{{"Started", "Dir", "Status", "Peer", "Name", "Size", "Checksum"}}
	for _, transfer := range transfers {
		name := transfer.Name
		if transfer.Directory != "" {
			name = transfer.Directory + "/" + transfer.Name
		}
		size := FormatSize(transfer.BytesTransferred) + " / " + FormatSize(transfer.Size)
		data = append(data, []string{
			FormatTimestamp(transfer.StartedAt),
			transfer.Direction,
			transfer.Status,
			transfer.Peer,
			name,
			size,
			shortChecksum(transfer.Checksum),
		})
	}
	return data
}

func shortChecksum(checksum string) string {
	if checksum == "" {
		return "-"
	}
	return appcrypto.ShortDigest(checksum)
}
