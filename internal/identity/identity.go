// Package identity maps between the addresses devices answer on and the
// stable hardware identities their settings are keyed by. DHCP moves devices
// around; the MAC is what stays put.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var (
	ErrNotFound  = errors.New("identity not found")
	ErrAmbiguous = errors.New("identity is ambiguous")
)

// Identity ties a device's stable key to the address it currently answers on.
type Identity struct {
	Key         string // normalized MAC, used as the settings key
	Addr        string // current IP address
	DisplayName string
}

// Resolver looks devices up in either direction.
type Resolver interface {
	ByMAC(mac string) (Identity, error)
	ByIP(ip string) (Identity, error)
	Record(mac, ip string) error
}

// NormalizeMAC lowercases and strips separators so aa:bb.. , AA-BB.. and
// aabb.. all key the same device.
func NormalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", ".", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(mac)))
}

// FileResolver keeps the MAC-to-IP mapping in a single JSON file, updated as
// devices are seen.
type FileResolver struct {
	path string

	mu      sync.Mutex
	mapping map[string]string // normalized MAC -> IP
}

func NewFileResolver(path string) (*FileResolver, error) {
	r := &FileResolver{path: path, mapping: map[string]string{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &r.mapping); err != nil {
		return nil, fmt.Errorf("decode mapping file %s: %w", path, err)
	}
	return r, nil
}

func (r *FileResolver) ByMAC(mac string) (Identity, error) {
	key := NormalizeMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()

	ip, ok := r.mapping[key]
	if !ok {
		return Identity{}, fmt.Errorf("mac %s: %w", mac, ErrNotFound)
	}
	return Identity{Key: key, Addr: ip, DisplayName: mac}, nil
}

// ByIP reverse-searches the mapping. Two devices recorded on the same
// address (a stale lease) cannot be told apart and resolve as ambiguous.
func (r *FileResolver) ByIP(ip string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []string
	for mac, addr := range r.mapping {
		if addr == ip {
			found = append(found, mac)
		}
	}
	switch len(found) {
	case 0:
		return Identity{}, fmt.Errorf("ip %s: %w", ip, ErrNotFound)
	case 1:
		return Identity{Key: found[0], Addr: ip, DisplayName: found[0]}, nil
	default:
		return Identity{}, fmt.Errorf("ip %s maps to %d devices: %w", ip, len(found), ErrAmbiguous)
	}
}

// Record stores or refreshes a device's current address and persists the
// mapping file atomically.
func (r *FileResolver) Record(mac, ip string) error {
	key := NormalizeMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.mapping[key]; ok && existing == ip {
		return nil
	}
	r.mapping[key] = ip

	data, err := json.MarshalIndent(r.mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write mapping file: %w", err)
	}
	return os.Rename(tmp, r.path)
}
