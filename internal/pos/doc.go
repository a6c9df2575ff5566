// Package pos is the aggregate write path of the kiosk.
//
// Every mutating operation follows one protocol:
//
//  1. Validate inputs and tenant ownership; reject before any write.
//  2. Load the tab (and line) and enforce state preconditions.
//  3. Build the event data and capture the base version.
//  4. Resolve the mutation id: explicit override, else derived from an
//     operation-specific idempotency key or the canonical payload.
//  5. If the outbox already holds that id, return DUPLICATE.
//  6. Unless the tab's last mutation id already equals it, apply the
//     transition, bump the version by one and record the id.
//  7. Insert the outbox row PENDING (insert-or-fetch on the id).
//
// Steps 5 to 7 run in one SQLite transaction, so a local write either fully
// commits or leaves nothing behind. Nothing here talks to the network.
//
// Default idempotency keys:
//
//	OPEN_TAB         open:<tab>
//	ADD_ITEM         add:<line>
//	UPDATE_ITEM_QTY  qty:<line>:<qty>@<expected version>, else payload-derived
//	REMOVE_ITEM      remove:<line>
//	KITCHEN_PRINT    kitchen:<tab>:<from>-<printed>
//	CLOSE_TAB_PAID   close-paid:<tab>
//	CANCEL_TAB       cancel:<tab>
package pos
