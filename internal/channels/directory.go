// Package channels maps chat channels to construction projects. The mapping
// comes from the config file and can be swapped live on reload.
package channels

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"reportbot/internal/config"
)

type Info struct {
	ChannelID   string
	ProjectID   string
	ProjectName string
	Active      bool
}

type Directory struct {
	mu   sync.RWMutex
	byID map[string]Info
}

func NewDirectory() *Directory {
	return &Directory{byID: make(map[string]Info)}
}

// Update replaces the whole mapping with the channels from cfg.
func (d *Directory) Update(list []config.ChannelConfig) {
	next := make(map[string]Info, len(list))
	for _, c := range list {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		next[id] = Info{
			ChannelID:   id,
			ProjectID:   strings.TrimSpace(c.ProjectID),
			ProjectName: strings.TrimSpace(c.ProjectName),
			Active:      c.IsActive(),
		}
	}
	d.mu.Lock()
	d.byID = next
	d.mu.Unlock()
}

func (d *Directory) Lookup(channelID string) (Info, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.byID[channelID]
	return info, ok
}

// ProjectName returns a printable name for the channel's project.
func (d *Directory) ProjectName(channelID string) string {
	info, ok := d.Lookup(channelID)
	if !ok {
		return "projeto"
	}
	if info.ProjectName != "" {
		return info.ProjectName
	}
	if info.ProjectID != "" {
		return info.ProjectID
	}
	return "projeto"
}

// Active returns the active channel IDs in a stable order.
func (d *Directory) Active() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.byID))
	for id, info := range d.byID {
		if info.Active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every configured channel, active or not, sorted by ID.
func (d *Directory) All() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Info, 0, len(d.byID))
	for _, info := range d.byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Validate checks that a channel may request reports. On rejection it
// returns a user-facing explanation in Portuguese.
func (d *Directory) Validate(channelID string) (Info, error) {
	info, ok := d.Lookup(channelID)
	if !ok {
		return Info{}, fmt.Errorf("este canal não está configurado para relatórios.%s", activeHint(d.Active()))
	}
	if !info.Active {
		return Info{}, fmt.Errorf("o projeto **%s** está marcado como inativo. Fale com a administração para reativá-lo", displayName(info))
	}
	if info.ProjectID == "" {
		return Info{}, fmt.Errorf("o canal está configurado mas sem projeto associado. Verifique a configuração")
	}
	return info, nil
}

func displayName(info Info) string {
	if info.ProjectName != "" {
		return info.ProjectName
	}
	return info.ProjectID
}

func activeHint(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	const maxListed = 10
	if len(ids) > maxListed {
		ids = ids[:maxListed]
	}
	return " Canais ativos: " + strings.Join(ids, ", ")
}
