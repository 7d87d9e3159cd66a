/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package grant tracks pages a domain exposes to peers and the foreign pages
// it has mapped.
//
// A granting domain owns an Entry per exposed page. The entry can only be
// destroyed once the privileged interface confirms that no foreign mapping
// of it remains; until then the page stays allocated even if the owner
// wants it back.
package grant

import (
	"errors"
	"fmt"
)

// DomainID identifies an isolated domain.
type DomainID uint16

// Ref is a grant reference, valid within the granting domain's table.
type Ref uint32

// Handle identifies one foreign mapping held by the mapping domain.
type Handle uint32

// AccessMode is the access a grant permits the peer.
type AccessMode uint8

const (
	ReadWrite AccessMode = iota
	ReadOnly
)

func (m AccessMode) String() string {
	switch m {
	case ReadWrite:
		return "rw"
	case ReadOnly:
		return "ro"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// Status is the lifecycle state of a grant entry or foreign mapping.
type Status uint8

const (
	Active Status = iota
	RevokePending
	Revoked
	Mapped
	Unmapped
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case RevokePending:
		return "revoke-pending"
	case Revoked:
		return "revoked"
	case Mapped:
		return "foreign-mapped"
	case Unmapped:
		return "unmapped"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

var (
	// ErrAllocationFailed is returned when no grant could be created.
	ErrAllocationFailed = errors.New("grant allocation failed")
	// ErrGrantInvalid is returned when a reference does not name a live
	// grant to this domain with the requested access.
	ErrGrantInvalid = errors.New("grant reference invalid")
	// ErrMapFailed is returned when a valid grant could not be mapped.
	ErrMapFailed = errors.New("foreign map failed")
	// ErrUnmapFailed is returned when a foreign mapping could not be
	// released.
	ErrUnmapFailed = errors.New("foreign unmap failed")
	// ErrStillMapped is returned by Revoke while the peer still maps the
	// page. The entry stays revoke-pending and the page stays allocated.
	ErrStillMapped = errors.New("grant still mapped by peer")
	// ErrNotRevoked is returned when reclaiming a page whose grant has not
	// been revoked.
	ErrNotRevoked = errors.New("grant not revoked")
)

// Hypercalls is the grant-table part of the privileged interface.
type Hypercalls interface {
	// GrantAccess lets peer map page with the given access.
	GrantAccess(peer DomainID, page *Page, mode AccessMode) (Ref, error)
	// QueryForeignAccess reports whether any foreign mapping of ref remains.
	QueryForeignAccess(ref Ref) (bool, error)
	// EndForeignAccess removes ref from the grant table. It fails with
	// ErrStillMapped while a mapping remains.
	EndForeignAccess(ref Ref) error
	// MapGrantRef maps ref granted by owner into the caller.
	MapGrantRef(owner DomainID, ref Ref, mode AccessMode) (Handle, []byte, error)
	// UnmapGrantRef releases a mapping made by MapGrantRef.
	UnmapGrantRef(h Handle) error
}

// Entry is a page this domain has granted to a peer.
type Entry struct {
	Ref    Ref
	Peer   DomainID
	Mode   AccessMode
	page   *Page
	status Status
}

// Page returns the granted page.
func (e *Entry) Page() *Page { return e.page }

// MappedPage is a peer's page mapped into this domain.
type MappedPage struct {
	Ref    Ref
	Owner  DomainID
	Mode   AccessMode
	Handle Handle
	mem    []byte
	status Status
}

// Bytes returns the local view of the foreign page. It is nil once
// unmapped.
func (m *MappedPage) Bytes() []byte { return m.mem }

// EntryInfo is a diagnostic copy of an Entry.
type EntryInfo struct {
	Ref    Ref
	Peer   DomainID
	Mode   AccessMode
	Status Status
}

// MappingInfo is a diagnostic copy of a MappedPage.
type MappingInfo struct {
	Ref    Ref
	Owner  DomainID
	Mode   AccessMode
	Handle Handle
	Status Status
}

// Snapshot lists a ledger's entries and mappings.
type Snapshot struct {
	Domain   DomainID
	Entries  []EntryInfo
	Mappings []MappingInfo
}
