// Package auth authorises supervisor service calls by the role carried in
// the client's certificate.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nixpig/agentshell/internal/api"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

var (
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("not authorised")
)

type Permission string

const (
	PermissionWorkerStart  Permission = "worker:start"
	PermissionWorkerStop   Permission = "worker:stop"
	PermissionWorkerStatus Permission = "worker:status"
	PermissionEventsWatch  Permission = "events:watch"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleOperator: {
		PermissionWorkerStart,
		PermissionWorkerStop,
		PermissionWorkerStatus,
		PermissionEventsWatch,
	},
	RoleViewer: {PermissionWorkerStatus, PermissionEventsWatch},
}

var MethodPermissions = map[string]Permission{
	api.StartFullMethodName:  PermissionWorkerStart,
	api.StopFullMethodName:   PermissionWorkerStop,
	api.StatusFullMethodName: PermissionWorkerStatus,
	api.EventsFullMethodName: PermissionEventsWatch,
}

// Identity is the verified subject of a client certificate. Role is taken
// from the first OU.
type Identity struct {
	CommonName string
	Role       Role
}

// ClientIdentity returns the Identity of the verified client certificate of
// the peer in ctx.
func ClientIdentity(ctx context.Context) (Identity, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return Identity{}, errors.New("failed to get peer info from context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return Identity{}, errors.New("failed to get TLS info from peer auth info")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 ||
		len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return Identity{}, errors.New("no verified chains in TLS info")
	}

	cert := tlsInfo.State.VerifiedChains[0][0]

	id := Identity{CommonName: cert.Subject.CommonName}

	if len(cert.Subject.OrganizationalUnit) > 0 {
		id.Role = Role(cert.Subject.OrganizationalUnit[0])
	}

	return id, nil
}

func IsAuthorised(role Role, method string) error {
	required, exists := MethodPermissions[method]
	if !exists {
		return fmt.Errorf("method '%s' not in method permissions", method)
	}

	permissions, ok := RolePermissions[role]
	if !ok {
		return fmt.Errorf("role '%s' not in role permissions", role)
	}

	if !slices.Contains(permissions, required) {
		return fmt.Errorf("role '%s' lacks permission '%s'", role, required)
	}

	return nil
}

// Authorise checks that the client in ctx may call method. Errors wrap
// ErrUnauthenticated or ErrPermissionDenied.
func Authorise(ctx context.Context, method string) (Identity, error) {
	id, err := ClientIdentity(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	if err := IsAuthorised(id.Role, method); err != nil {
		return id, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	return id, nil
}
