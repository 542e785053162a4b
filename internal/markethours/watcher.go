package markethours

import "time"

// CloseWatcher fires once per trading day when the session close plus Grace
// has passed. Late prints right after the bell still land in the last bar.
type CloseWatcher struct {
	Session *Session
	Grace   time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	lastFired string // local date of the last close fired
}

func (w *CloseWatcher) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Check returns true the first time it is called at or after today's close
// plus Grace.
func (w *CloseWatcher) Check() bool {
	now := w.now()
	lt := now.In(w.Session.Loc)
	if !w.Session.IsTradingDay(lt) {
		return false
	}
	day := lt.Format("2006-01-02")
	if day == w.lastFired {
		return false
	}
	if lt.Before(w.Session.TodayClose(lt).Add(w.Grace)) {
		return false
	}
	w.lastFired = day
	return true
}
