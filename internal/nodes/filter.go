package nodes

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/arohanajit/nodeclient/internal/transport"
)

// ErrIncompatibleNode is wrapped by every filter rejection
var ErrIncompatibleNode = errors.New("incompatible node")

// Filter decides whether a node that completed its handshake may receive requests.
// A non-nil error classifies the node as filtered.
type Filter func(identity transport.Identity) error

// AcceptAll is a Filter that accepts every node
func AcceptAll(transport.Identity) error {
	return nil
}

// ClusterNameFilter rejects nodes that report a different cluster name
func ClusterNameFilter(clusterName string) Filter {
	return func(identity transport.Identity) error {
		if identity.ClusterName != clusterName {
			return fmt.Errorf("%w: node %s belongs to cluster [%s], expected [%s]",
				ErrIncompatibleNode, identity.NodeID, identity.ClusterName, clusterName)
		}
		return nil
	}
}

// MinVersionFilter rejects nodes older than minVersion. Versions are compared
// as semantic versions; a leading "v" is optional.
func MinVersionFilter(minVersion string) Filter {
	min := canonicalVersion(minVersion)
	return func(identity transport.Identity) error {
		v := canonicalVersion(identity.Version)
		if !semver.IsValid(v) {
			return fmt.Errorf("%w: node %s reports invalid version [%s]",
				ErrIncompatibleNode, identity.NodeID, identity.Version)
		}
		if semver.Compare(v, min) < 0 {
			return fmt.Errorf("%w: node %s version [%s] is older than [%s]",
				ErrIncompatibleNode, identity.NodeID, identity.Version, minVersion)
		}
		return nil
	}
}

// AllOf combines filters; the first rejection wins
func AllOf(filters ...Filter) Filter {
	return func(identity transport.Identity) error {
		for _, f := range filters {
			if f == nil {
				continue
			}
			if err := f(identity); err != nil {
				return err
			}
		}
		return nil
	}
}

// ValidVersion reports whether v parses as a semantic version
func ValidVersion(v string) bool {
	return semver.IsValid(canonicalVersion(v))
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
