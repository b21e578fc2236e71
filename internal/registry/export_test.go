package registry

import "time"

// SetNow overrides the registry clock. Test hook only.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }
