package ownership

import (
	"sort"

	"CoverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

type tokenKey struct {
	kind state.TokenKind
	id   uint64
}

type preImage struct {
	owner  common.Address
	minted bool
}

// Registry maps position and cover tokens to their holders.
type Registry struct {
	owners map[tokenKey]common.Address
	saved  map[tokenKey]preImage // nil outside a journal
}

var (
	_ state.Ownership = (*Registry)(nil)
	_ state.Journaled = (*Registry)(nil)
)

func NewRegistry() *Registry {
	return &Registry{owners: make(map[tokenKey]common.Address)}
}

func (r *Registry) Mint(kind state.TokenKind, id uint64, owner common.Address) {
	k := tokenKey{kind, id}
	r.remember(k)
	r.owners[k] = owner
}

func (r *Registry) Burn(kind state.TokenKind, id uint64) {
	k := tokenKey{kind, id}
	r.remember(k)
	delete(r.owners, k)
}

func (r *Registry) OwnerOf(kind state.TokenKind, id uint64) (common.Address, bool) {
	owner, ok := r.owners[tokenKey{kind, id}]
	return owner, ok
}

// TokensOf lists the ids of one kind held by owner, ascending.
func (r *Registry) TokensOf(kind state.TokenKind, owner common.Address) []uint64 {
	var ids []uint64
	for k, o := range r.owners {
		if k.kind == kind && o == owner {
			ids = append(ids, k.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Token is one entry of an ownership snapshot.
type Token struct {
	Kind  state.TokenKind `json:"kind"`
	ID    uint64          `json:"id"`
	Owner common.Address  `json:"owner"`
}

// Export lists every token ordered by kind then id.
func (r *Registry) Export() []Token {
	out := make([]Token, 0, len(r.owners))
	for k, o := range r.owners {
		out = append(out, Token{Kind: k.kind, ID: k.id, Owner: o})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Restore(tokens []Token) {
	r.owners = make(map[tokenKey]common.Address, len(tokens))
	for _, t := range tokens {
		r.owners[tokenKey{t.Kind, t.ID}] = t.Owner
	}
}

// Begin starts recording token writes until Commit or Rollback.
func (r *Registry) Begin() {
	r.saved = make(map[tokenKey]preImage)
}

func (r *Registry) Commit() {
	r.saved = nil
}

// Rollback undoes every mint and burn since Begin.
func (r *Registry) Rollback() {
	for k, pre := range r.saved {
		if pre.minted {
			r.owners[k] = pre.owner
		} else {
			delete(r.owners, k)
		}
	}
	r.saved = nil
}

func (r *Registry) remember(k tokenKey) {
	if r.saved == nil {
		return
	}
	if _, ok := r.saved[k]; ok {
		return
	}
	owner, minted := r.owners[k]
	r.saved[k] = preImage{owner: owner, minted: minted}
}
