// Package dedupe drops inbound chat events that a platform delivers more than
// once. Telegram resends a webhook update when the previous attempt did not get
// a 2xx in time, and Matrix can replay timeline events after a sync restart.
//
// Usage reserves the key, then releases it if handling fails:
//
//	key := dedupe.Key("telegram", strconv.Itoa(update.UpdateID))
//	if cache.CheckAndMark(key) {
//		return
//	}
//	if err := handle(update); err != nil {
//		cache.Forget(key) // the retry is handled
//		return err
//	}
package dedupe
