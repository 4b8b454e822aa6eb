package capture

import (
	"net"
	"strings"
)

// InterfaceAll 让守护进程抓取所有联网网卡
const InterfaceAll = "@inet"

// NetInterface 网卡信息
type NetInterface struct {
	Name  string
	Up    bool
	Addrs []string
}

// ListInterfaces 列出除回环外的全部网卡
func ListInterfaces() ([]NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var result []NetInterface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ni := NetInterface{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				ni.Addrs = append(ni.Addrs, addr.String())
			}
		}
		result = append(result, ni)
	}
	return result, nil
}

// DiscoverInterfaces 解析守护进程的 -i 参数：@inet 展开为已启用且有地址的网卡，
// 其余按逗号分隔原样返回
func DiscoverInterfaces(arg string) ([]string, error) {
	if arg != "" && arg != InterfaceAll {
		var names []string
		for _, name := range strings.Split(arg, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		return names, nil
	}

	ifaces, err := ListInterfaces()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, iface := range ifaces {
		if !iface.Up || len(iface.Addrs) == 0 {
			continue
		}
		if shouldSkipInterface(iface.Name) {
			continue
		}
		result = append(result, iface.Name)
	}
	return result, nil
}

func shouldSkipInterface(name string) bool {
	skipPrefixes := []string{
		"lo",
		"dummy",
		"ifb",
		"sit",
		"ip6tnl",
		"ip_vti",
		"ip6_vti",
		"docker",
		"veth",
	}

	nameLower := strings.ToLower(name)
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(nameLower, prefix) {
			return true
		}
	}
	return false
}
