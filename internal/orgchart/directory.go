package orgchart

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/escalator/model"
)

// Directory is the on-disk org chart: people keyed by tenant.
type Directory struct {
	Tenants map[string][]Person `yaml:"tenants"`
}

type tenantIndex struct {
	ordered []Person
	byID    map[string]Person
}

// DirectoryResolver resolves targets from a static Directory. Role holders
// are tried in file order.
type DirectoryResolver struct {
	tenants map[string]tenantIndex
}

// LoadDirectory reads a YAML org directory from path.
func LoadDirectory(path string) (*DirectoryResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orgchart: read %s: %w", path, err)
	}
	var dir Directory
	if err := yaml.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("orgchart: parse %s: %w", path, err)
	}
	return NewDirectoryResolver(dir)
}

// NewDirectoryResolver indexes dir. Duplicate or empty ids are rejected.
func NewDirectoryResolver(dir Directory) (*DirectoryResolver, error) {
	r := &DirectoryResolver{tenants: make(map[string]tenantIndex, len(dir.Tenants))}
	for tenantID, people := range dir.Tenants {
		idx := tenantIndex{ordered: people, byID: make(map[string]Person, len(people))}
		for _, p := range people {
			if p.ID == "" {
				return nil, fmt.Errorf("orgchart: tenant %q has a person without an id", tenantID)
			}
			if _, dup := idx.byID[p.ID]; dup {
				return nil, fmt.Errorf("orgchart: tenant %q lists %q twice", tenantID, p.ID)
			}
			idx.byID[p.ID] = p
		}
		r.tenants[tenantID] = idx
	}
	return r, nil
}

// ResolveEscalationTarget implements Resolver.
func (r *DirectoryResolver) ResolveEscalationTarget(ctx context.Context, tenantID string, target model.EscalationTarget, currentAssigneeID string) (string, error) {
	return resolve(ctx, r, tenantID, target, currentAssigneeID)
}

func (r *DirectoryResolver) user(_ context.Context, tenantID, userID string) (Person, bool, error) {
	p, ok := r.tenants[tenantID].byID[userID]
	return p, ok, nil
}

func (r *DirectoryResolver) manager(ctx context.Context, tenantID, userID string) (Person, bool, error) {
	p, ok, _ := r.user(ctx, tenantID, userID)
	if !ok || p.Manager == "" {
		return Person{}, false, nil
	}
	return r.user(ctx, tenantID, p.Manager)
}

func (r *DirectoryResolver) roleHolders(_ context.Context, tenantID, role string) ([]Person, error) {
	var out []Person
	for _, p := range r.tenants[tenantID].ordered {
		for _, held := range p.Roles {
			if held == role {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}
