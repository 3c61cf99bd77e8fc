package config

import "fmt"

// Configuration keys. Grouped by owning component; the uploader instances
// share a layout under distinct prefixes so one parametric component can
// serve both.
const (
	KeyAdminAuth     = "admin.auth"
	KeyAdminUsername = "admin.username"
	KeyAdminPassword = "admin.password"

	KeyBluetoothActive       = "bt.active"
	KeyBluetoothDeviceName   = "bt.name"
	KeyBluetoothDiscoverable = "bt.discoverable"
	KeyBluetoothPINCode      = "bt.pin"

	// Primary uploader (NTRIP SOURCE relay towards the first caster).
	KeyUplinkPrimaryActive     = "ntrip.srv.active"
	KeyUplinkPrimaryColor      = "ntrip.srv.color"
	KeyUplinkPrimaryHost       = "ntrip.srv.host"
	KeyUplinkPrimaryPort       = "ntrip.srv.port"
	KeyUplinkPrimaryMountpoint = "ntrip.srv.mountpoint"
	KeyUplinkPrimaryUsername   = "ntrip.srv.username"
	KeyUplinkPrimaryPassword   = "ntrip.srv.password"

	// Secondary uploader.
	KeyUplinkSecondaryActive     = "ntrip.srv2.active"
	KeyUplinkSecondaryColor      = "ntrip.srv2.color"
	KeyUplinkSecondaryHost       = "ntrip.srv2.host"
	KeyUplinkSecondaryPort       = "ntrip.srv2.port"
	KeyUplinkSecondaryMountpoint = "ntrip.srv2.mountpoint"
	KeyUplinkSecondaryUsername   = "ntrip.srv2.username"
	KeyUplinkSecondaryPassword   = "ntrip.srv2.password"

	// Downstream NTRIP client (mirror layout, consumed by future work and
	// the configuration surface).
	KeyNTRIPClientActive     = "ntrip.cli.active"
	KeyNTRIPClientColor      = "ntrip.cli.color"
	KeyNTRIPClientHost       = "ntrip.cli.host"
	KeyNTRIPClientPort       = "ntrip.cli.port"
	KeyNTRIPClientMountpoint = "ntrip.cli.mountpoint"
	KeyNTRIPClientUsername   = "ntrip.cli.username"
	KeyNTRIPClientPassword   = "ntrip.cli.password"

	KeyUARTNum        = "uart.num"
	KeyUARTTxPin      = "uart.tx_pin"
	KeyUARTRxPin      = "uart.rx_pin"
	KeyUARTRtsPin     = "uart.rts_pin"
	KeyUARTCtsPin     = "uart.cts_pin"
	KeyUARTBaudRate   = "uart.baud"
	KeyUARTDataBits   = "uart.data_bits"
	KeyUARTStopBits   = "uart.stop_bits"
	KeyUARTParity     = "uart.parity"
	KeyUARTFlowRTS    = "uart.flow_rts"
	KeyUARTFlowCTS    = "uart.flow_cts"
	KeyUARTLogForward = "uart.log_forward"

	KeyWiFiAPActive     = "wifi.ap.active"
	KeyWiFiAPColor      = "wifi.ap.color"
	KeyWiFiAPSSID       = "wifi.ap.ssid"
	KeyWiFiAPSSIDHidden = "wifi.ap.hidden"
	KeyWiFiAPAuthMode   = "wifi.ap.auth_mode"
	KeyWiFiAPPassword   = "wifi.ap.password"
	KeyWiFiAPGateway    = "wifi.ap.gateway"
	KeyWiFiAPSubnet     = "wifi.ap.subnet"

	KeyWiFiSTAActive      = "wifi.sta.active"
	KeyWiFiSTAColor       = "wifi.sta.color"
	KeyWiFiSTASSID        = "wifi.sta.ssid"
	KeyWiFiSTAPassword    = "wifi.sta.password"
	KeyWiFiSTAScanModeAll = "wifi.sta.scan_all"
	KeyWiFiSTAStatic      = "wifi.sta.static"
	KeyWiFiSTAIP          = "wifi.sta.ip"
	KeyWiFiSTAGateway     = "wifi.sta.gateway"
	KeyWiFiSTASubnet      = "wifi.sta.subnet"
	KeyWiFiSTADNSA        = "wifi.sta.dns_a"
	KeyWiFiSTADNSB        = "wifi.sta.dns_b"

	KeySDLoggingActive = "sd.log.active"

	KeySocketServerActive    = "sock.srv.active"
	KeySocketServerTCPActive = "sock.srv.tcp"
	KeySocketServerTCPPort   = "sock.srv.tcp_port"
	KeySocketServerUDPActive = "sock.srv.udp"
	KeySocketServerUDPPort   = "sock.srv.udp_port"

	KeySocketClientActive         = "sock.cli.active"
	KeySocketClientTCP            = "sock.cli.tcp"
	KeySocketClientHost           = "sock.cli.host"
	KeySocketClientPort           = "sock.cli.port"
	KeySocketClientConnectMessage = "sock.cli.msg"

	KeyMonitorActive = "monitor.active"
	KeyMonitorAddr   = "monitor.addr"

	KeyHeapDebug = "sys.heap_debug"
)

// Key-prefix suffixes used by the parametric uploader.
const (
	SuffixActive     = ".active"
	SuffixColor      = ".color"
	SuffixHost       = ".host"
	SuffixPort       = ".port"
	SuffixMountpoint = ".mountpoint"
	SuffixUsername   = ".username"
	SuffixPassword   = ".password"
)

// DefaultCasterPort is the IANA-registered NTRIP caster port.
const DefaultCasterPort uint16 = 2101

// defaultComponentColor is the initial status color for every relay
// component (dim blue, mostly transparent).
const defaultComponentColor Color = 0x00000055

func casterItems(prefix string) []Item {
	return []Item{
		{Key: prefix + SuffixActive, Type: TypeBool, Default: false},
		{Key: prefix + SuffixColor, Type: TypeColor, Default: defaultComponentColor},
		{Key: prefix + SuffixHost, Type: TypeString, Default: ""},
		{Key: prefix + SuffixPort, Type: TypeUint16, Default: DefaultCasterPort},
		{Key: prefix + SuffixMountpoint, Type: TypeString, Default: ""},
		{Key: prefix + SuffixUsername, Type: TypeString, Default: ""},
		{Key: prefix + SuffixPassword, Type: TypeString, Default: "", Secret: true},
	}
}

// items is the authoritative descriptor table. It is assembled once at
// package init and never mutated.
var items = func() []Item {
	list := []Item{
		{Key: KeyAdminAuth, Type: TypeInt8, Default: int8(0)},
		{Key: KeyAdminUsername, Type: TypeString, Default: ""},
		{Key: KeyAdminPassword, Type: TypeString, Default: "", Secret: true},

		{Key: KeyBluetoothActive, Type: TypeBool, Default: false},
		{Key: KeyBluetoothDeviceName, Type: TypeString, Default: ""},
		{Key: KeyBluetoothDiscoverable, Type: TypeBool, Default: true},
		{Key: KeyBluetoothPINCode, Type: TypeUint16, Default: uint16(1234), Secret: true},
	}

	list = append(list, casterItems("ntrip.srv")...)
	list = append(list, casterItems("ntrip.srv2")...)
	list = append(list, casterItems("ntrip.cli")...)

	list = append(list,
		Item{Key: KeyUARTNum, Type: TypeUint8, Default: uint8(0)},
		Item{Key: KeyUARTTxPin, Type: TypeUint8, Default: uint8(1)},
		Item{Key: KeyUARTRxPin, Type: TypeUint8, Default: uint8(3)},
		Item{Key: KeyUARTRtsPin, Type: TypeUint8, Default: uint8(14)},
		Item{Key: KeyUARTCtsPin, Type: TypeUint8, Default: uint8(33)},
		Item{Key: KeyUARTBaudRate, Type: TypeUint32, Default: uint32(115200)},
		Item{Key: KeyUARTDataBits, Type: TypeInt8, Default: int8(8)},
		Item{Key: KeyUARTStopBits, Type: TypeInt8, Default: int8(1)},
		Item{Key: KeyUARTParity, Type: TypeInt8, Default: int8(0)},
		Item{Key: KeyUARTFlowRTS, Type: TypeBool, Default: false},
		Item{Key: KeyUARTFlowCTS, Type: TypeBool, Default: false},
		Item{Key: KeyUARTLogForward, Type: TypeBool, Default: false},

		Item{Key: KeyWiFiAPActive, Type: TypeBool, Default: true},
		Item{Key: KeyWiFiAPColor, Type: TypeColor, Default: defaultComponentColor},
		Item{Key: KeyWiFiAPSSID, Type: TypeString, Default: ""},
		Item{Key: KeyWiFiAPSSIDHidden, Type: TypeBool, Default: false},
		Item{Key: KeyWiFiAPAuthMode, Type: TypeUint8, Default: uint8(0)},
		Item{Key: KeyWiFiAPPassword, Type: TypeString, Default: "", Secret: true},
		Item{Key: KeyWiFiAPGateway, Type: TypeIP, Default: IPv4(192, 168, 4, 1)},
		Item{Key: KeyWiFiAPSubnet, Type: TypeUint8, Default: uint8(24)},

		Item{Key: KeyWiFiSTAActive, Type: TypeBool, Default: false},
		Item{Key: KeyWiFiSTAColor, Type: TypeColor, Default: defaultComponentColor},
		Item{Key: KeyWiFiSTASSID, Type: TypeString, Default: ""},
		Item{Key: KeyWiFiSTAPassword, Type: TypeString, Default: "", Secret: true},
		Item{Key: KeyWiFiSTAScanModeAll, Type: TypeBool, Default: false},
		Item{Key: KeyWiFiSTAStatic, Type: TypeBool, Default: false},
		Item{Key: KeyWiFiSTAIP, Type: TypeIP, Default: IP(0)},
		Item{Key: KeyWiFiSTAGateway, Type: TypeIP, Default: IP(0)},
		Item{Key: KeyWiFiSTASubnet, Type: TypeUint8, Default: uint8(24)},
		Item{Key: KeyWiFiSTADNSA, Type: TypeIP, Default: IP(0)},
		Item{Key: KeyWiFiSTADNSB, Type: TypeIP, Default: IP(0)},

		Item{Key: KeySDLoggingActive, Type: TypeBool, Default: false},

		Item{Key: KeySocketServerActive, Type: TypeBool, Default: false},
		Item{Key: KeySocketServerTCPActive, Type: TypeBool, Default: true},
		Item{Key: KeySocketServerTCPPort, Type: TypeUint16, Default: uint16(8880)},
		Item{Key: KeySocketServerUDPActive, Type: TypeBool, Default: true},
		Item{Key: KeySocketServerUDPPort, Type: TypeUint16, Default: uint16(8881)},

		Item{Key: KeySocketClientActive, Type: TypeBool, Default: false},
		Item{Key: KeySocketClientTCP, Type: TypeBool, Default: true},
		Item{Key: KeySocketClientHost, Type: TypeString, Default: ""},
		Item{Key: KeySocketClientPort, Type: TypeUint16, Default: uint16(8880)},
		Item{Key: KeySocketClientConnectMessage, Type: TypeString, Default: ""},

		Item{Key: KeyMonitorActive, Type: TypeBool, Default: false},
		Item{Key: KeyMonitorAddr, Type: TypeString, Default: "127.0.0.1:8850"},

		Item{Key: KeyHeapDebug, Type: TypeBool, Default: false},
	)
	return list
}()

var itemsByKey = func() map[string]*Item {
	m := make(map[string]*Item, len(items))
	for i := range items {
		if _, dup := m[items[i].Key]; dup {
			panic(fmt.Sprintf("config: duplicate item key %q", items[i].Key))
		}
		m[items[i].Key] = &items[i]
	}
	return m
}()

// Items enumerates the descriptor table in declaration order.
func Items() []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// Find returns the descriptor for key, or nil when the key is not in the
// table.
func Find(key string) *Item {
	return itemsByKey[key]
}

// MustFind returns the descriptor for key. Looking up a key that is not in
// the table is a programming error and panics.
func MustFind(key string) *Item {
	item := itemsByKey[key]
	if item == nil {
		panic(fmt.Sprintf("config: unknown configuration key %q", key))
	}
	return item
}
