package repository

import (
	"context"
	"fmt"
	"sync"

	"conservatory.io/cadenza/internal/domain"
)

// MemoryRepository is a concurrency-safe in-memory adapter used in
// development mode and tests. Production deployments wire the real record
// services behind the same interface.
type MemoryRepository struct {
	mu        sync.RWMutex
	entities  map[string]EntityRef
	relations map[string][]Relation

	// archive keeps deleted records and severed edges so audit rollback
	// can compensate. Keyed by "type:id" for records, "type:id#field" for
	// cleared reference fields.
	archive      map[string]archivedRecord
	clearedEdges map[string][]Relation

	// faults maps "op/type:id" to an error injected on the next matching
	// call; consumed once per Set.
	faults map[string]error

	// Ops records mutating calls in order, for dependency-order assertions.
	Ops []string
}

type archivedRecord struct {
	ref      EntityRef
	outgoing []Relation
	incoming []incomingEdge
}

type incomingEdge struct {
	parentKey string
	relation  Relation
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entities:     make(map[string]EntityRef),
		relations:    make(map[string][]Relation),
		archive:      make(map[string]archivedRecord),
		clearedEdges: make(map[string][]Relation),
		faults:       make(map[string]error),
	}
}

func key(entityType domain.EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}

// AddEntity registers an entity record.
func (r *MemoryRepository) AddEntity(ref EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[key(ref.Type, ref.ID)] = ref
}

// AddRelation registers a relationship edge from parent to child.
func (r *MemoryRepository) AddRelation(parent EntityRef, relationType string, child EntityRef, field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(parent.Type, parent.ID)
	r.relations[k] = append(r.relations[k], Relation{
		RelationType: relationType,
		Entity:       child,
		Field:        field,
	})
}

// FailNext injects err for the next call matching op ("delete", "nullify",
// "set_default", "get_related") on the given entity.
func (r *MemoryRepository) FailNext(op string, entityType domain.EntityType, entityID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op+"/"+key(entityType, entityID)] = err
}

func (r *MemoryRepository) takeFault(op string, entityType domain.EntityType, entityID string) error {
	k := op + "/" + key(entityType, entityID)
	if err, ok := r.faults[k]; ok {
		delete(r.faults, k)
		return err
	}
	return nil
}

// GetEntity implements Repository.
func (r *MemoryRepository) GetEntity(ctx context.Context, entityType domain.EntityType, entityID string) (EntityRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.entities[key(entityType, entityID)]
	if !ok {
		return EntityRef{}, fmt.Errorf("%s %s: %w", entityType, entityID, ErrNotFound)
	}
	return ref, nil
}

// GetRelated implements Repository.
func (r *MemoryRepository) GetRelated(ctx context.Context, entityType domain.EntityType, entityID string) ([]Relation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFault("get_related", entityType, entityID); err != nil {
		return nil, err
	}
	if _, ok := r.entities[key(entityType, entityID)]; !ok {
		return nil, fmt.Errorf("%s %s: %w", entityType, entityID, ErrNotFound)
	}
	rels := r.relations[key(entityType, entityID)]
	out := make([]Relation, len(rels))
	copy(out, rels)
	return out, nil
}

// Delete implements Repository. Removing a record also drops its outgoing
// edges and any edges pointing at it.
func (r *MemoryRepository) Delete(ctx context.Context, entityType domain.EntityType, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFault("delete", entityType, entityID); err != nil {
		return err
	}
	k := key(entityType, entityID)
	ref, ok := r.entities[k]
	if !ok {
		return fmt.Errorf("%s %s: %w", entityType, entityID, ErrNotFound)
	}

	archived := archivedRecord{ref: ref, outgoing: r.relations[k]}
	delete(r.entities, k)
	delete(r.relations, k)
	for parent, rels := range r.relations {
		kept := rels[:0]
		for _, rel := range rels {
			if key(rel.Entity.Type, rel.Entity.ID) != k {
				kept = append(kept, rel)
			} else {
				archived.incoming = append(archived.incoming, incomingEdge{parentKey: parent, relation: rel})
			}
		}
		r.relations[parent] = kept
	}
	r.archive[k] = archived
	r.Ops = append(r.Ops, "delete:"+k)
	return nil
}

// Restore reinstates an archived record with its relationship edges.
// Incoming edges whose parent was itself deleted stay severed.
func (r *MemoryRepository) Restore(ctx context.Context, entityType domain.EntityType, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(entityType, entityID)
	archived, ok := r.archive[k]
	if !ok {
		return fmt.Errorf("%s %s: no archived record: %w", entityType, entityID, ErrNotFound)
	}
	delete(r.archive, k)
	r.entities[k] = archived.ref
	if len(archived.outgoing) > 0 {
		r.relations[k] = archived.outgoing
	}
	for _, edge := range archived.incoming {
		if _, alive := r.entities[edge.parentKey]; alive {
			r.relations[edge.parentKey] = append(r.relations[edge.parentKey], edge.relation)
		}
	}
	r.Ops = append(r.Ops, "restore:"+k)
	return nil
}

// RestoreField reinstates relationship edges cleared from a reference field.
func (r *MemoryRepository) RestoreField(ctx context.Context, entityType domain.EntityType, entityID, field string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(entityType, entityID)
	if _, ok := r.entities[k]; !ok {
		return fmt.Errorf("%s %s: %w", entityType, entityID, ErrNotFound)
	}
	fk := k + "#" + field
	edges, ok := r.clearedEdges[fk]
	if !ok {
		return fmt.Errorf("%s %s field %s: no cleared edges: %w", entityType, entityID, field, ErrNotFound)
	}
	delete(r.clearedEdges, fk)
	r.relations[k] = append(r.relations[k], edges...)
	r.Ops = append(r.Ops, "restore_field:"+fk)
	return nil
}

// Nullify implements Repository.
func (r *MemoryRepository) Nullify(ctx context.Context, entityType domain.EntityType, entityID, field string) error {
	return r.clearField(entityType, entityID, field, "nullify")
}

// SetDefault implements Repository.
func (r *MemoryRepository) SetDefault(ctx context.Context, entityType domain.EntityType, entityID, field string) error {
	return r.clearField(entityType, entityID, field, "set_default")
}

func (r *MemoryRepository) clearField(entityType domain.EntityType, entityID, field, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFault(op, entityType, entityID); err != nil {
		return err
	}
	k := key(entityType, entityID)
	if _, ok := r.entities[k]; !ok {
		return fmt.Errorf("%s %s: %w", entityType, entityID, ErrNotFound)
	}
	kept := r.relations[k][:0]
	for _, rel := range r.relations[k] {
		if rel.Field != field {
			kept = append(kept, rel)
		} else {
			r.clearedEdges[k+"#"+field] = append(r.clearedEdges[k+"#"+field], rel)
		}
	}
	r.relations[k] = kept
	r.Ops = append(r.Ops, op+":"+k+"#"+field)
	return nil
}

// Has reports whether the entity still exists; testing helper.
func (r *MemoryRepository) Has(entityType domain.EntityType, entityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[key(entityType, entityID)]
	return ok
}
