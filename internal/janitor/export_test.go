package janitor

// RunNow triggers one cleanup pass outside the cron schedule.
func (j *Janitor) RunNow() { j.run() }
