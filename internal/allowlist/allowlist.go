// Package allowlist stores the operator-configured passlists: requests
// matching one of them bypass the security rules entirely. Two
// data-structures are wrapped, a patricia trie of CIDRs for client IP
// addresses and an immutable radix tree for exact request paths. Lookups are
// performed on every request so both are optimized for reads; a new store is
// built and atomically swapped in on reconfiguration rather than locking the
// readers out.
package allowlist

import (
	"net"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/kentik/patricia"
	"github.com/kentik/patricia/string_tree"
	"github.com/raspkit/go-agent/internal/rklib/rkerrors"
)

type (
	// CIDRStore is the set of data-structures storing the CIDR IPv4 and IPv6
	// passlists. Locking is avoided by not having concurrent insertions and
	// lookups: a full store is built at configuration time and only read
	// afterwards.
	CIDRStore struct {
		treeV4 *string_tree.TreeV4
		treeV6 *string_tree.TreeV6
	}

	// PathStore is the exact-path passlist.
	PathStore iradix.Tree
)

const (
	ipv4Bits = 32
	ipv6Bits = 128
)

// NewCIDRStore returns the passlist store of the given CIDRs, or nil when the
// list is empty.
func NewCIDRStore(cidrs []string) (*CIDRStore, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}
	treeV4 := string_tree.NewTreeV4()
	treeV6 := string_tree.NewTreeV6()
	var hasIPv4, hasIPv6 bool // true when at least one IP was added to the tree
	for _, cidr := range cidrs {
		ipv4, ipv6, err := patricia.ParseIPFromString(cidr)
		if err != nil {
			return nil, rkerrors.Wrapf(err, "could not parse the passlist entry `%s`", cidr)
		}
		if ipv4 != nil {
			if _, _, err := treeV4.Add(*ipv4, cidr, nil); err != nil {
				return nil, err
			}
			hasIPv4 = true
		} else if ipv6 != nil {
			if _, _, err := treeV6.Add(*ipv6, cidr, nil); err != nil {
				return nil, err
			}
			hasIPv6 = true
		}
	}
	// Release empty trees when nothing was added to them.
	if !hasIPv4 {
		treeV4 = nil
	}
	if !hasIPv6 {
		treeV6 = nil
	}
	return &CIDRStore{
		treeV4: treeV4,
		treeV6: treeV6,
	}, nil
}

// Find returns true when the given IP address matches a passlist entry, along
// with the matched CIDR.
func (s *CIDRStore) Find(ip net.IP) (exists bool, matched string, err error) {
	if s == nil {
		return false, "", nil
	}
	var tags []string
	if stdIPv4 := ip.To4(); stdIPv4 != nil {
		if s.treeV4 == nil {
			return false, "", nil
		}
		IPv4 := patricia.NewIPv4AddressFromBytes(stdIPv4, ipv4Bits)
		tags, err = s.treeV4.FindTags(IPv4)
	} else if stdIPv6 := ip.To16(); stdIPv6 != nil {
		// warning: the previous condition is also true with an ipv4 address (as
		// they can be represented using ipv6 ::ffff:ipv4), so testing the ipv4
		// first is important to avoid entering this case with ipv4 addresses.
		if s.treeV6 == nil {
			return false, "", nil
		}
		IPv6 := patricia.NewIPv6Address(stdIPv6, ipv6Bits)
		tags, err = s.treeV6.FindTags(IPv6)
	}
	if err != nil {
		return false, "", err
	}
	if len(tags) == 0 {
		return false, "", nil
	}
	// Returned tags are ordered by matching prefix length, ie. the right-most
	// is the deepest match.
	return true, tags[len(tags)-1], nil
}

// NewPathStore returns the passlist store of the given exact paths, or nil
// when the list is empty.
func NewPathStore(paths []string) *PathStore {
	if len(paths) == 0 {
		return nil
	}

	txn := iradix.New().Txn()
	for _, path := range paths {
		txn.Insert([]byte(path), struct{}{})
	}

	return (*PathStore)(txn.Commit())
}

func (s *PathStore) unwrap() *iradix.Tree { return (*iradix.Tree)(s) }

// Find returns true when the given path is a passlist entry.
func (s *PathStore) Find(path string) (exists bool) {
	if s == nil {
		return false
	}
	_, exists = s.unwrap().Get([]byte(path))
	return
}
