package gpu

import (
	"bytes"
	"fmt"
	"net"
)

const magicPacketRepeats = 16

// SendWakeOnLAN broadcasts a Wake-on-LAN magic packet for the MAC
// address: six 0xFF bytes followed by sixteen repetitions of the MAC.
func SendWakeOnLAN(macAddr, broadcastAddr string) error {
	mac, err := net.ParseMAC(macAddr)
	if err != nil {
		return fmt.Errorf("parse mac %q: %w", macAddr, err)
	}

	if len(mac) != 6 {
		return fmt.Errorf("mac %q is not a 48-bit address", macAddr)
	}

	var packet bytes.Buffer

	packet.Write(bytes.Repeat([]byte{0xFF}, 6))

	for i := 0; i < magicPacketRepeats; i++ {
		packet.Write(mac)
	}

	conn, err := net.Dial("udp", broadcastAddr)
	if err != nil {
		return fmt.Errorf("dial broadcast %q: %w", broadcastAddr, err)
	}

	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write(packet.Bytes()); err != nil {
		return fmt.Errorf("send magic packet: %w", err)
	}

	return nil
}
