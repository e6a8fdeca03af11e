package authz

import (
	"fmt"

	"chipledger/pkg/config"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("authz",
	fx.Provide(
		fx.Annotate(NewEnforcer, fx.As(new(Authorizer))),
	),
)

const (
	ActAdjust = "adjust"
	ActRead   = "read"
)

// DefaultModel is RBAC with path patterns on the object.
const DefaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && r.act == p.act
`

type Authorizer interface {
	Allow(sub, obj, act string) (bool, error)
}

type Enforcer struct {
	e *casbin.SyncedEnforcer
}

// NewEnforcer loads ACCESS_CONTROL.MODEL (or DefaultModel) and the policy
// file at ACCESS_CONTROL.POLICY. Without a policy file every request is denied.
func NewEnforcer(cfg *config.Config) (*Enforcer, error) {
	var (
		m   model.Model
		err error
	)
	if cfg.AccessControl.Model != "" {
		m, err = model.NewModelFromFile(cfg.AccessControl.Model)
	} else {
		m, err = model.NewModelFromString(DefaultModel)
	}
	if err != nil {
		return nil, fmt.Errorf("load access control model: %w", err)
	}

	var e *casbin.SyncedEnforcer
	if cfg.AccessControl.Policy != "" {
		e, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.AccessControl.Policy))
	} else {
		zap.L().Warn("no access control policy configured, admin operations are denied")
		e, err = casbin.NewSyncedEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("init enforcer: %w", err)
	}

	return &Enforcer{e: e}, nil
}

// NewFromPolicies builds an in-memory enforcer on DefaultModel.
func NewFromPolicies(policies [][]string, roles [][]string) (*Enforcer, error) {
	m, err := model.NewModelFromString(DefaultModel)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if len(policies) > 0 {
		if _, err := e.AddPolicies(policies); err != nil {
			return nil, err
		}
	}
	if len(roles) > 0 {
		if _, err := e.AddGroupingPolicies(roles); err != nil {
			return nil, err
		}
	}
	return &Enforcer{e: e}, nil
}

func (a *Enforcer) Allow(sub, obj, act string) (bool, error) {
	if sub == "" {
		return false, nil
	}
	return a.e.Enforce(sub, obj, act)
}
