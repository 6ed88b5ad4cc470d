package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/api/respond"
	"github.com/aliskhannn/dossier-executor/internal/model"
)

// Headers set by the gateway in front of the service.
const (
	HeaderUserID       = "X-User-Id"
	HeaderUserName     = "X-User-Name"
	HeaderOrganization = "X-Organization"
	HeaderRoles        = "X-Roles"
)

const profileKey = "profile"

// Profile reads the caller identity from the gateway headers and stores it
// in the request context. Requests without a user or organization are rejected.
func Profile() ginext.HandlerFunc {
	return func(c *ginext.Context) {
		p := model.Profile{
			UserID:       strings.TrimSpace(c.GetHeader(HeaderUserID)),
			UserName:     strings.TrimSpace(c.GetHeader(HeaderUserName)),
			Organization: strings.TrimSpace(c.GetHeader(HeaderOrganization)),
			Roles:        splitRoles(c.GetHeader(HeaderRoles)),
		}

		if p.UserID == "" || p.Organization == "" {
			zlog.Logger.Warn().Str("path", c.Request.URL.Path).Msg("missing caller identity")
			respond.Fail(c, http.StatusUnauthorized, errors.New("missing caller identity"))
			c.Abort()
			return
		}

		p.UniqueID = p.UserID
		if p.UserName == "" {
			p.UserName = p.UserID
		}

		c.Set(profileKey, p)
		c.Next()
	}
}

// ProfileFrom returns the caller stored by Profile.
func ProfileFrom(c *ginext.Context) (model.Profile, bool) {
	v, ok := c.Get(profileKey)
	if !ok {
		return model.Profile{}, false
	}
	p, ok := v.(model.Profile)
	return p, ok
}

// splitRoles keeps the header order, it is the order roles are checked in.
func splitRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
