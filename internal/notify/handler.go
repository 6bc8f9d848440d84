package notify

import (
	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/macros"
	"github.com/oceanplexian/vigil/internal/objects"
)

// handleStateChange runs the checkable's event handler command, if any, on
// every state transition including soft ones. Handlers run on the node
// that owns check execution so a replicated transition fires them once.
func (e *Engine) handleStateChange(c *objects.Checkable, cr *objects.CheckResult, origin objects.Origin) {
	if !e.Program.EventHandlersEnabled() {
		return
	}

	c.Lock()
	name := c.EventHandlerName
	enabled := c.EventHandlerEnabled
	owned := c.CheckAuthority == "" || c.CheckAuthority == e.Program.Identity
	c.Unlock()
	if name == "" || !enabled || !owned {
		return
	}

	cmd, ok := e.Store.GetCommand(name)
	if !ok {
		log.Warningf("Event handler command %q for %v is not defined.", name, c.Name())
		return
	}

	c.Lock()
	rs := macros.ForCheckable(e.Store, c, e.Clock.Now())
	job := checker.Job{
		Kind:    objects.TypeCommand,
		Name:    name,
		Timeout: cmd.Timeout,
	}
	var err error
	if len(cmd.Argv) > 0 {
		job.Argv, err = rs.ResolveArgs(cmd.Argv)
	} else {
		job.Command, err = rs.Resolve(cmd.Line)
	}
	c.Unlock()
	if err != nil {
		log.WithError(err).Warningf("Cannot run event handler %q for %v.", name, c.Name())
		return
	}

	handlerName := name
	target := c.Name()
	job.Done = func(res *objects.CheckResult) {
		if res.ExitStatus != 0 {
			log.Warningf("Event handler %q for %v exited %v: %v.",
				handlerName, target, res.ExitStatus, res.Output)
		}
	}
	log.Debugf("Running event handler %q for %v.", name, target)
	e.Runner.Submit(job)
}
