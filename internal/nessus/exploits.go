package nessus

import "github.com/yourorg/nessus-analyzer/internal/model"

// CollectExploits emits one ExploitRecord per child of a finding's
// exploit_available element, independent of archetype. Hosts without an IP
// are ignored, as in Extract.
func CollectExploits(doc *Document) []model.ExploitRecord {
	var out []model.ExploitRecord
	for _, host := range doc.Hosts() {
		if !host.HasIP() {
			continue
		}
		for _, item := range host.items {
			avail := item.find("exploit_available")
			if avail == nil {
				continue
			}
			port, _ := item.attr("port")
			sev, _ := item.attr("severity")
			for i := range avail.Children {
				x := &avail.Children[i]
				name, ok := x.attr("exploit_name")
				if !ok {
					name = model.UnknownExploitName
				}
				out = append(out, model.ExploitRecord{
					Name:     name,
					Type:     model.ExploitTypeAvailable,
					IP:       host.IP,
					Port:     port,
					Severity: parseSeverity(sev),
				})
			}
		}
	}
	return out
}
