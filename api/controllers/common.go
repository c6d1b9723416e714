package controllers

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/grubhaul-backend/api/middleware"
	"github.com/angelmondragon/grubhaul-backend/api/validators"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/pagination"
)

func requireActor(r *http.Request) (pkgAuth.Actor, error) {
	actor := middleware.ActorFromContext(r.Context())
	if !actor.Authenticated() {
		return pkgAuth.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return actor, nil
}

func pageParams(r *http.Request) (int, string, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return 0, "", err
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if _, err := pagination.ParseCursor(cursor); err != nil {
		return 0, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor").
			WithDetails(map[string]string{"cursor": "is malformed"})
	}
	return limit, cursor, nil
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
