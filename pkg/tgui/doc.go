// Package tgui provides small helpers for Telegram ParseMode="HTML" text:
// escaping, tag stripping, a few inline tags and rune-safe truncation.
package tgui
