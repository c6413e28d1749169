// Package recipe models image recipes and resolves them into canonical form.
//
// A recipe names a base image and an ordered list of modules, optionally
// preceded by named intermediate stages. Module lists may pull in other
// documents with "from-file" entries; [Resolve] inlines those in place,
// relative to the referencing document, and validates stage references so
// that the returned [Recipe] can be rendered without touching the
// filesystem again.
//
// Decoding is strict. Every document, stage and module variant declares the
// fields it accepts and any other key is reported as [ErrUnknownField]
// together with the line it was found on.
package recipe
