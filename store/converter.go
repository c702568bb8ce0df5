package store

import "time"

// DBMeta is the opaque metadata a Converter extracts from a ReadEntity,
// used by the FreshnessValidator. UpdatedAt is the only field the core
// inspects; Opaque carries anything else a collaborator wants threaded
// back through (it is never interpreted by the core).
type DBMeta struct {
	UpdatedAt time.Time
	Opaque    any
}

// NetMeta is the metadata a Converter extracts from a NetworkResponse,
// used to populate Bookkeeper and build conditional requests.
type NetMeta struct {
	ETag         string
	HasETag      bool
	LastModified time.Time
	HasLastMod   bool
}

// Converter is the collaborator contract that lets the engine stay
// polymorphic over Domain/ReadEntity/WriteEntity/NetworkResponse:
// the core never inspects those types directly except through these
// methods.
type Converter[K Key, Domain any, ReadEntity any, WriteEntity any, NetworkResponse any] interface {
	// NetToWriteEntity converts a network response into the SoT's write
	// model.
	NetToWriteEntity(key K, net NetworkResponse) (WriteEntity, error)

	// ReadEntityToDomain converts the SoT's read projection into the
	// domain value returned to callers.
	ReadEntityToDomain(key K, read ReadEntity) (Domain, error)

	// ReadEntityToDBMeta extracts freshness metadata from a read
	// projection.
	ReadEntityToDBMeta(read ReadEntity) DBMeta

	// NetToNetMeta extracts conditional-request metadata from a network
	// response. Optional: return HasETag=false, HasLastMod=false if the
	// network response carries none.
	NetToNetMeta(net NetworkResponse) NetMeta

	// DomainToWriteEntity optionally derives a write-model value from a
	// domain value, enabling optimistic local writes. A
	// Converter that cannot produce one should return ok=false; the
	// mutation pipeline then skips optimistic apply for that operation.
	DomainToWriteEntity(key K, domain Domain) (entity WriteEntity, ok bool)
}

// PatchFunc derives a locally-applied optimistic write entity from a
// base write entity and a declarative patch, for Update.
type PatchFunc[WriteEntity any, Patch any] func(base WriteEntity, patch Patch) (WriteEntity, error)

// MutationEncoder encodes a domain-level payload into the wire format a
// mutation client expects. Returning ok=false models "encoding yields
// null (unsupported), resulting in Failed{encoding}.
type MutationEncoder[Payload any, Wire any] interface {
	Encode(payload Payload) (wire Wire, ok bool)
}

// MutationEncoderFunc adapts a function to a MutationEncoder.
type MutationEncoderFunc[Payload any, Wire any] func(payload Payload) (Wire, bool)

func (f MutationEncoderFunc[Payload, Wire]) Encode(payload Payload) (Wire, bool) {
	return f(payload)
}
