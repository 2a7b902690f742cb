// Package runqueue hands workflow runs to the external executor through a
// redis stream. The gateway only produces; consumers live elsewhere.
package runqueue
