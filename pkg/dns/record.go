package dns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/hewenyu/capabilities-directory/pkg/model"
)

// TXT记录中单个字符串的最大长度
const maxTXTStringLen = 255

// EntryName 返回参与者在zone下的域名
func EntryName(participantID, zone string) string {
	return participantID + "." + dns.Fqdn(zone)
}

// participantFromName 从域名中取出参与者ID，不属于zone时返回false
func participantFromName(name, zone string) (string, bool) {
	name = dns.Fqdn(name)
	zone = dns.Fqdn(zone)
	if !dns.IsSubDomain(zone, name) || len(name) <= len(zone) {
		return "", false
	}
	participantID := strings.TrimSuffix(name[:len(name)-len(zone)], ".")
	if participantID == "" {
		return "", false
	}
	return participantID, true
}

// createTXTRecord 把条目编码为key=value形式的TXT记录
func createTXTRecord(name string, entry *model.Entry, ttl uint32) *dns.TXT {
	fields := []string{
		"domain=" + entry.Domain,
		"interface=" + entry.InterfaceName,
		"scope=" + string(entry.Qos.Scope),
		fmt.Sprintf("version=%d.%d", entry.ProviderVersion.Major, entry.ProviderVersion.Minor),
	}
	if entry.Address != "" {
		fields = append(fields, "address="+entry.Address)
	}

	var txt []string
	for _, f := range fields {
		txt = append(txt, splitTXT(f)...)
	}

	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Txt: txt,
	}
}

// splitTXT 把超长字符串切分为多个不超过255字节的片段
func splitTXT(s string) []string {
	if len(s) <= maxTXTStringLen {
		return []string{s}
	}
	var parts []string
	for len(s) > maxTXTStringLen {
		parts = append(parts, s[:maxTXTStringLen])
		s = s[maxTXTStringLen:]
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
