package event

// FilterVisible narrows a result set after authorization has passed.
// Hidden and pending events are removed unless the caller is the owning
// patient. Retracted events are kept, marker and all, so history stays
// inspectable; callers computing current state must skip them themselves.
//
// The second return value reports whether anything was withheld from this
// caller; the API layer surfaces it as a disclosure notice.
func FilterVisible(events []*Event, callerIsOwner bool) ([]*Event, bool) {
	if callerIsOwner {
		return events, false
	}
	out := make([]*Event, 0, len(events))
	withheld := false
	for _, e := range events {
		if e.Visibility == VisibilityHidden || e.Visibility == VisibilityPending {
			withheld = true
			continue
		}
		out = append(out, e)
	}
	return out, withheld
}
