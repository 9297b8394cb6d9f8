// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/taiga"
)

// BackendShell executes a command inside the backend service container.
//
// # Description
//
// Account provisioning happens through the backend's management shell,
// not the public API, because freshly bootstrapped stacks have no
// account to authenticate the API calls with. Implementations run
// `docker compose exec` under the hood; tests substitute fakes.
type BackendShell interface {
	Exec(ctx context.Context, args ...string) (string, error)
}

// Reconciler drives every configured profile to a usable state: account
// present in the backend, password known, fresh token persisted, and the
// working project in place.
type Reconciler struct {
	shell      BackendShell
	store      *Store
	gatewayURL string
	doer       taiga.HTTPDoer
	log        *logging.Logger

	// ProjectName/ProjectDescription describe the working project
	// ensured for the default profile. Empty name skips the step.
	ProjectName        string
	ProjectDescription string
}

// NewReconciler wires a reconciler. A nil doer uses a default HTTP
// client against the gateway.
func NewReconciler(shell BackendShell, store *Store, gatewayURL string, doer taiga.HTTPDoer, log *logging.Logger) *Reconciler {
	if log == nil {
		log = logging.Default("identity")
	}
	return &Reconciler{shell: shell, store: store, gatewayURL: gatewayURL, doer: doer, log: log}
}

// WaitForAuthEndpoint polls the backend's auth endpoint from inside the
// container until it answers 401 (up = rejecting anonymous requests).
// This sidesteps gateway routing, which may lag behind the backend.
func (r *Reconciler) WaitForAuthEndpoint(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		out, err := r.shell.Exec(ctx,
			"python", "-c",
			`import urllib.request,urllib.error
try:
    urllib.request.urlopen("http://localhost:8000/api/v1/users/me", timeout=3)
    print(200)
except urllib.error.HTTPError as e:
    print(e.code)
except Exception:
    print(0)`)
		if err == nil {
			code := strings.TrimSpace(out)
			if code == "401" || code == "200" {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("backend auth endpoint not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// EnsureAccount creates or updates the profile's account through the
// backend management shell. Idempotent: an existing account gets its
// password reset to the profile's password.
func (r *Reconciler) EnsureAccount(ctx context.Context, p Profile) error {
	script := fmt.Sprintf(`from django.contrib.auth import get_user_model
U = get_user_model()
u, created = U.objects.get_or_create(username=%q, defaults={"email": %q, "full_name": %q})
u.email = %q
u.set_password(%q)
u.is_active = True
u.save()
print("created" if created else "updated")`,
		p.Username, p.Email, p.Name, p.Email, p.Password)

	out, err := r.shell.Exec(ctx, "python", "manage.py", "shell", "-c", script)
	if err != nil {
		return fmt.Errorf("provision account %s: %w", p.Username, err)
	}
	r.log.Info("account ensured", "profile", p.Name, "result", strings.TrimSpace(out))
	return nil
}

// Reconcile brings the named profiles (all configured profiles when
// empty) to a usable state.
//
// # Description
//
// For each profile: generate and persist a password if missing,
// authenticate through the gateway, and persist the fresh token. An
// invalid-credentials failure triggers exactly one provisioning
// fallback: ensure the account through the backend shell, then retry
// authentication once. Any other failure, or a second invalid-
// credentials failure, aborts with the profile named in the error.
//
// After all profiles hold tokens, the working project is ensured for
// the default profile.
func (r *Reconciler) Reconcile(ctx context.Context, names ...string) error {
	profiles, err := r.store.Load()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		var all []string
		for name := range profiles {
			all = append(all, name)
		}
		names = all
	}

	for _, name := range names {
		p, ok := profiles[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
		}
		if err := r.reconcileProfile(ctx, p); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}

	if r.ProjectName != "" {
		if err := r.ensureProject(ctx); err != nil {
			return fmt.Errorf("ensure project: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileProfile(ctx context.Context, p Profile) error {
	if p.Password == "" {
		pw, err := GeneratePassword()
		if err != nil {
			return err
		}
		p.Password = pw
		if err := r.store.Update(p.Name, func(sp *Profile) { sp.Password = pw }); err != nil {
			return err
		}
		r.log.Info("generated password", "profile", p.Name)
	}

	token, err := r.authenticate(ctx, p)
	if isInvalidCredentials(err) {
		// One provisioning fallback, then a single retry.
		r.log.Warn("authentication rejected, provisioning account", "profile", p.Name)
		if err := r.EnsureAccount(ctx, p); err != nil {
			return err
		}
		token, err = r.authenticate(ctx, p)
	}
	if err != nil {
		return fmt.Errorf("authenticate %s: %w", p.Username, err)
	}

	if err := r.store.Update(p.Name, func(sp *Profile) { sp.Token = token }); err != nil {
		return err
	}
	r.log.Info("token refreshed", "profile", p.Name)
	return nil
}

func (r *Reconciler) authenticate(ctx context.Context, p Profile) (string, error) {
	base := p.BaseURL
	if base == "" {
		base = r.gatewayURL
	}
	resp, err := taiga.Authenticate(ctx, base, p.Username, p.Password, r.doer)
	if err != nil {
		return "", err
	}
	return resp.AuthToken, nil
}

// ensureProject looks the working project up by name in the default
// profile's visible projects and creates it when absent.
func (r *Reconciler) ensureProject(ctx context.Context) error {
	client, err := r.ClientFor(DefaultProfile)
	if err != nil {
		return err
	}

	me, err := client.Me(ctx)
	if err != nil {
		return err
	}
	projects, err := client.Projects(ctx, me.ID, true)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, r.ProjectName) {
			r.log.Info("working project present", "slug", p.Slug)
			return nil
		}
	}

	created, err := client.CreateProject(ctx, r.ProjectName, r.ProjectDescription)
	if err != nil {
		return err
	}
	r.log.Info("working project created", "slug", created.Slug, "id", created.ID)
	return nil
}

// ClientFor returns a tracker client authenticated as the named profile.
func (r *Reconciler) ClientFor(name string) (*taiga.Client, error) {
	p, err := r.store.Lookup(name)
	if err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, fmt.Errorf("profile %s has no token; run reconcile first", p.Name)
	}
	base := p.BaseURL
	if base == "" {
		base = r.gatewayURL
	}
	return taiga.NewClient(base, p.Token, r.doer), nil
}

// isInvalidCredentials recognizes the tracker's login rejection.
func isInvalidCredentials(err error) bool {
	var apiErr *taiga.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized
}
