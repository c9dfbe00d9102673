package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly restricts sensitive routes (purge, recycle bin sweep) to
// localhost or an explicit IP whitelist
type LocalhostOnly struct {
	logger     *logrus.Logger
	allowedIPs []string // IP addresses or CIDR ranges
}

// NewLocalhostOnly creates the access restriction middleware
func NewLocalhostOnly(logger *logrus.Logger, allowedIPs []string) *LocalhostOnly {
	return &LocalhostOnly{
		logger:     logger,
		allowedIPs: allowedIPs,
	}
}

// Restrict rejects requests from non-whitelisted addresses
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)

		if !l.isAllowedIP(clientIP) && !isLocalhost(remoteIP) {
			l.logger.WithFields(logrus.Fields{
				"client_ip":  clientIP,
				"remote_ip":  remoteIP,
				"path":       c.Request.URL.Path,
				"method":     c.Request.Method,
				"user_agent": c.GetHeader("User-Agent"),
			}).Warn("Reject non-whitelisted access to sensitive API")

			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "This API is only accessible from allowed IP addresses",
				"code":    "IP_NOT_ALLOWED",
			})
			return
		}

		c.Next()
	}
}

// isLocalhost checks whether ip is a loopback address
func isLocalhost(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return ip == "localhost"
	}
	return parsedIP.IsLoopback()
}

// isAllowedIP checks the whitelist, supporting CIDR ranges
func (l *LocalhostOnly) isAllowedIP(ip string) bool {
	if isLocalhost(ip) {
		return true
	}
	if len(l.allowedIPs) == 0 {
		return false
	}

	parsedIP := net.ParseIP(ip)
	for _, allowed := range l.allowedIPs {
		allowed = strings.TrimSpace(allowed)

		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err != nil {
				l.logger.WithFields(logrus.Fields{
					"allowed": allowed,
					"error":   err.Error(),
				}).Warn("Invalid CIDR in allowedIPs")
				continue
			}
			if parsedIP != nil && ipNet.Contains(parsedIP) {
				return true
			}
			continue
		}

		if ip == allowed {
			return true
		}
	}
	return false
}
