/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vbox

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

var (
	// reKeyValueLine matches one --machinereadable line. Keys and values
	// may each be quoted or bare.
	reKeyValueLine = regexp.MustCompile(`^(?:"(.+)"|([^"=]+))=(?:"(.*)"|(.*))$`)

	// reNameUUIDLine matches one `VBoxManage list vms` line.
	reNameUUIDLine = regexp.MustCompile(`^"(.*)" \{([0-9a-fA-F-]+)\}$`)

	reNICKey        = regexp.MustCompile(`^nic(\d+)$`)
	reForwardingKey = regexp.MustCompile(`^Forwarding\((\d+)\)$`)
	reControllerKey = regexp.MustCompile(`^storagecontroller(name|type|portcount|bootable)(\d+)$`)
	reAttachmentKey = regexp.MustCompile(`^(.+)-(\d+)-(\d+)$`)
	reSnapshotKey   = regexp.MustCompile(`^Snapshot(Name|UUID|Description)(-[\d-]+)?$`)
)

// kv is one parsed key=value line. Order is preserved because some of
// showvminfo's meaning is positional (Forwarding rules belong to the NIC
// section they follow).
type kv struct {
	Key   string
	Value string
}

// parseKeyValues splits --machinereadable output into ordered key/value
// pairs. Lines that do not match the format are skipped: VBoxManage mixes
// progress noise into stdout on some platforms.
func parseKeyValues(output string) []kv {
	var pairs []kv
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := reKeyValueLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := m[1]
		if key == "" {
			key = m[2]
		}
		value := m[3]
		if value == "" && m[4] != "" {
			value = m[4]
		}
		pairs = append(pairs, kv{Key: key, Value: value})
	}
	return pairs
}

func kvMap(pairs []kv) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.Key] = p.Value
	}
	return m
}

func unparseable(cause error, what, raw string) *contracts.Error {
	err := contracts.Wrap(contracts.ErrUnparseable, cause, "failed to parse %s", what)
	if e := excerpt(raw, 512); e != "" {
		err.WithDetail("raw", e)
	}
	return err
}

// parseVMList parses `VBoxManage list vms` (or runningvms) output.
func parseVMList(output string) []VMSummary {
	var vms []VMSummary
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := reNameUUIDLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// `list vms` knows inaccessible machines only by UUID and renders
		// the name as "<inaccessible>"; keep them listable.
		vms = append(vms, VMSummary{Name: m[1], ID: m[2], State: StateUnknown})
	}
	return vms
}

// parseVMInfo assembles a VMInfo from `showvminfo --machinereadable` output.
func parseVMInfo(output string) (*VMInfo, error) {
	pairs := parseKeyValues(output)
	if len(pairs) == 0 {
		return nil, unparseable(errors.New("no key=value lines in output"), "showvminfo output", output)
	}
	props := kvMap(pairs)

	info := &VMInfo{}
	info.Name = props["name"]
	info.ID = props["UUID"]
	info.OSType = props["ostype"]
	info.State = stateFromVBox(props["VMState"])
	info.MemoryMB = atoi(props["memory"])
	info.CPUs = atoi(props["cpus"])
	info.Description = props["description"]
	info.Firmware = strings.ToLower(props["firmware"])
	info.Chipset = props["chipset"]
	info.VRAMMB = atoi(props["vram"])
	info.CfgFile = props["CfgFile"]
	info.GroupPaths = parseGroups(props["groups"])

	if info.Name == "" && info.ID == "" {
		return nil, unparseable(errors.New("output has neither name nor UUID"), "showvminfo output", output)
	}

	info.NICs = parseNICs(pairs, props)
	info.Controllers = parseControllers(pairs, props)

	return info, nil
}

func parseGroups(raw string) []string {
	if raw == "" {
		return nil
	}
	var groups []string
	for _, g := range strings.Split(raw, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// parseNICs walks the ordered pairs so NAT Forwarding(n) rules land on the
// NIC section they appear under.
func parseNICs(pairs []kv, props map[string]string) []NIC {
	var nics []NIC
	index := make(map[int]int) // slot -> position in nics
	currentSlot := 0

	for _, p := range pairs {
		if m := reNICKey.FindStringSubmatch(p.Key); m != nil {
			slot := atoi(m[1])
			currentSlot = slot
			if p.Value == "none" {
				continue
			}
			n := NIC{
				Slot:           slot,
				Enabled:        true,
				Mode:           p.Value,
				AdapterType:    props["nictype"+m[1]],
				MAC:            props["macaddress"+m[1]],
				CableConnected: props["cableconnected"+m[1]] == "on",
			}
			n.AttachmentTarget = nicTarget(p.Value, m[1], props)
			index[slot] = len(nics)
			nics = append(nics, n)
			continue
		}

		if m := reForwardingKey.FindStringSubmatch(p.Key); m != nil {
			pos, ok := index[currentSlot]
			if !ok {
				continue
			}
			if pf, err := parseForwardingRule(p.Value); err == nil {
				nics[pos].PortForwards = append(nics[pos].PortForwards, pf)
			}
		}
	}
	return nics
}

func nicTarget(mode, slot string, props map[string]string) string {
	switch mode {
	case "bridged":
		return props["bridgeadapter"+slot]
	case "hostonly":
		return props["hostonlyadapter"+slot]
	case "intnet":
		return props["intnet"+slot]
	case "natnetwork":
		return props["nat-network"+slot]
	case "generic":
		return props["generic"+slot]
	default:
		return ""
	}
}

// parseForwardingRule parses "name,proto,hostip,hostport,guestip,guestport".
func parseForwardingRule(raw string) (PortForward, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 6 {
		return PortForward{}, errors.Errorf("forwarding rule %q: want 6 fields, got %d", raw, len(parts))
	}
	return PortForward{
		Name:      parts[0],
		Protocol:  strings.ToLower(parts[1]),
		HostIP:    parts[2],
		HostPort:  atoi(parts[3]),
		GuestIP:   parts[4],
		GuestPort: atoi(parts[5]),
	}, nil
}

// parseControllers collects storagecontroller* keys, then matches attachment
// keys of the form "<controller>-<port>-<device>" against the known names.
func parseControllers(pairs []kv, props map[string]string) []StorageController {
	var controllers []StorageController
	index := make(map[string]int)

	for i := 0; ; i++ {
		idx := strconv.Itoa(i)
		name, ok := props["storagecontrollername"+idx]
		if !ok {
			break
		}
		index[name] = len(controllers)
		controllers = append(controllers, StorageController{
			Name:      name,
			Type:      props["storagecontrollertype"+idx],
			PortCount: atoi(props["storagecontrollerportcount"+idx]),
			Bootable:  props["storagecontrollerbootable"+idx] == "on",
		})
	}

	for _, p := range pairs {
		m := reAttachmentKey.FindStringSubmatch(p.Key)
		if m == nil {
			continue
		}
		pos, ok := index[m[1]]
		if !ok {
			// Keys like "<controller>-ImageUUID-0-0" fail the name match
			// on purpose.
			continue
		}
		if p.Value == "none" {
			continue
		}
		controllers[pos].Attachments = append(controllers[pos].Attachments, DiskAttachment{
			Controller: m[1],
			Port:       atoi(m[2]),
			Device:     atoi(m[3]),
			MediumPath: p.Value,
			MediumType: inferMediumType(controllers[pos].Type, p.Value),
		})
	}
	return controllers
}

// inferMediumType guesses the medium type from the controller and path.
// showvminfo does not state it directly.
func inferMediumType(controllerType, path string) string {
	if strings.EqualFold(controllerType, "I82078") || strings.EqualFold(controllerType, "floppy") {
		return "floppy"
	}
	lower := strings.ToLower(path)
	if path == "emptydrive" || strings.HasSuffix(lower, ".iso") {
		return "dvd"
	}
	return "hdd"
}

// parseSnapshotTree parses `snapshot <vm> list --machinereadable` output.
// The key suffix encodes the tree position: SnapshotName is the root,
// SnapshotName-1 its first child, SnapshotName-1-2 that child's second child.
func parseSnapshotTree(output string) (*SnapshotTree, error) {
	pairs := parseKeyValues(output)
	tree := &SnapshotTree{}
	nodes := make(map[string]*Snapshot)
	var order []string

	node := func(path string) *Snapshot {
		if s, ok := nodes[path]; ok {
			return s
		}
		s := &Snapshot{}
		nodes[path] = s
		order = append(order, path)
		return s
	}

	for _, p := range pairs {
		switch p.Key {
		case "CurrentSnapshotUUID":
			tree.CurrentID = p.Value
			continue
		case "CurrentSnapshotName":
			tree.CurrentName = p.Value
			continue
		case "CurrentSnapshotNode":
			continue
		}

		m := reSnapshotKey.FindStringSubmatch(p.Key)
		if m == nil {
			continue
		}
		path := strings.TrimPrefix(m[2], "-")
		s := node(path)
		switch m[1] {
		case "Name":
			s.Name = p.Value
		case "UUID":
			s.ID = p.Value
		case "Description":
			s.Description = p.Value
		}
	}

	if len(nodes) == 0 {
		// A VM without snapshots prints "This machine does not have any
		// snapshots" on stdout; an empty tree is a valid result.
		return tree, nil
	}

	// Wire children to parents in appearance order so sibling order is kept.
	for _, path := range order {
		s := nodes[path]
		if path == "" {
			tree.Root = s
			continue
		}
		parentPath := ""
		if i := strings.LastIndex(path, "-"); i >= 0 {
			parentPath = path[:i]
		}
		parent, ok := nodes[parentPath]
		if !ok {
			return nil, unparseable(errors.Errorf("snapshot node %q has no parent node", path), "snapshot list output", output)
		}
		parent.Children = append(parent.Children, s)
	}

	if tree.Root == nil {
		return nil, unparseable(errors.New("snapshot list has nodes but no root"), "snapshot list output", output)
	}
	return tree, nil
}

// parseInfoBlocks splits "Key: value" listing output (list hostonlyifs,
// natnetworks, ostypes) into blocks separated by blank lines.
func parseInfoBlocks(output string) []map[string]string {
	var blocks []map[string]string
	current := make(map[string]string)

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, current)
			current = make(map[string]string)
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		current[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	flush()
	return blocks
}

// parseHostOnlyIfs parses `list hostonlyifs` output.
func parseHostOnlyIfs(output string) []HostOnlyNetwork {
	var nets []HostOnlyNetwork
	for _, block := range parseInfoBlocks(output) {
		name, ok := block["Name"]
		if !ok {
			continue
		}
		nets = append(nets, HostOnlyNetwork{
			Name:        name,
			IP:          block["IPAddress"],
			Netmask:     block["NetworkMask"],
			DHCPEnabled: strings.EqualFold(block["DHCP"], "Enabled"),
		})
	}
	return nets
}

// parseNATNetworks parses `natnetwork list` output.
func parseNATNetworks(output string) []NATNetwork {
	var nets []NATNetwork
	for _, block := range parseInfoBlocks(output) {
		name, ok := block["Name"]
		if !ok {
			continue
		}
		nets = append(nets, NATNetwork{
			Name:        name,
			Network:     block["Network"],
			Enabled:     strings.EqualFold(block["Enabled"], "Yes"),
			DHCPEnabled: strings.EqualFold(block["DHCP Server"], "Yes"),
		})
	}
	return nets
}

// parseHostInfo parses `list hostinfo` output.
func parseHostInfo(output string) (*HostInfo, error) {
	blocks := parseInfoBlocks(output)
	if len(blocks) == 0 {
		return nil, unparseable(errors.New("no key: value lines in output"), "hostinfo output", output)
	}
	// hostinfo is a single logical block but VBoxManage prints a heading
	// and blank lines; merge everything.
	props := make(map[string]string)
	for _, b := range blocks {
		for k, v := range b {
			props[k] = v
		}
	}

	return &HostInfo{
		CPUCount:          atoi(props["Processor count"]),
		CPUOnlineCount:    atoi(props["Processor online count"]),
		MemorySizeMB:      atoi(strings.TrimSuffix(props["Memory size"], " MByte")),
		MemoryAvailableMB: atoi(strings.TrimSuffix(props["Memory available"], " MByte")),
		OperatingSystem:   props["Operating system"],
		OSVersion:         props["Operating system version"],
	}, nil
}

// parseOSTypes parses `list ostypes` output.
func parseOSTypes(output string) []OSType {
	var types []OSType
	for _, block := range parseInfoBlocks(output) {
		id, ok := block["ID"]
		if !ok {
			continue
		}
		types = append(types, OSType{
			ID:          id,
			Description: block["Description"],
			Is64Bit:     strings.EqualFold(block["64 bit"], "true"),
		})
	}
	return types
}

// parseMetrics parses `metrics query` table output. The table is
// whitespace-aligned: Object, Metric, Value (value may carry a unit suffix).
// Metrics VirtualBox does not report for the VM are left at zero.
func parseMetrics(output string) (*VMMetrics, error) {
	m := &VMMetrics{}
	seen := false

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] == "Metric" {
			continue
		}
		metric := fields[1]
		value, unit := splitMetricValue(strings.Join(fields[2:], " "))

		switch {
		case metric == "CPU/Load/User" || metric == "CPU/Load/Kernel":
			m.CPUPct += value
		case metric == "RAM/Usage/Used":
			m.MemoryUsedMB = int(toMB(value, unit))
		case metric == "Guest/RAM/Usage/Balloon":
			m.MemoryBalloonMB = int(toMB(value, unit))
		case strings.HasSuffix(metric, "/Rate/Rx") || strings.HasSuffix(metric, "Net/Rx"):
			m.NetRxBps += int64(toBytes(value, unit))
		case strings.HasSuffix(metric, "/Rate/Tx") || strings.HasSuffix(metric, "Net/Tx"):
			m.NetTxBps += int64(toBytes(value, unit))
		case strings.HasSuffix(metric, "/Read/Rate") || strings.HasSuffix(metric, "Disk/Read"):
			m.DiskReadBps += int64(toBytes(value, unit))
		case strings.HasSuffix(metric, "/Write/Rate") || strings.HasSuffix(metric, "Disk/Write"):
			m.DiskWriteBps += int64(toBytes(value, unit))
		default:
			continue
		}
		seen = true
	}

	if !seen {
		return nil, unparseable(errors.New("no recognized metric rows"), "metrics query output", output)
	}
	return m, nil
}

// splitMetricValue separates "1024 kB" or "0.42%" into number and unit.
func splitMetricValue(raw string) (float64, string) {
	raw = strings.TrimSpace(raw)
	unit := ""
	if i := strings.IndexFunc(raw, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != '-'
	}); i >= 0 {
		unit = strings.TrimSpace(raw[i:])
		raw = raw[:i]
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, unit
	}
	return v, unit
}

func toMB(value float64, unit string) float64 {
	switch strings.ToLower(strings.TrimSuffix(unit, "/s")) {
	case "kb":
		return value / 1024
	case "mb":
		return value
	case "gb":
		return value * 1024
	case "b":
		return value / (1024 * 1024)
	default:
		return value
	}
}

func toBytes(value float64, unit string) float64 {
	switch strings.ToLower(strings.TrimSuffix(unit, "/s")) {
	case "kb":
		return value * 1024
	case "mb":
		return value * 1024 * 1024
	case "gb":
		return value * 1024 * 1024 * 1024
	default:
		return value
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
