// Package refunc inspects the address space of executable images and repairs
// function boundaries in an analysis database.
//
// # Images
//
// [Load] and [Open] map the allocated sections of an ELF binary, or the
// segments of a 64-bit Mach-O binary (including kernelcaches), into an
// [Image]. An image answers mapping queries ([Image.IsMapped]), reads and
// patches words ([Image.ReadWord], [Image.PatchWord]) and iterates over
// addresses, words and instructions ([Addresses], [Image.ReadWords],
// [Image.WindowWords], [Image.Instructions]).
//
// Structure layouts declared in a [TypeLibrary] can be read out of an image
// with [ReadStruct].
//
// # Function repair
//
// Analysis engines misclassify code: instructions get swallowed by data
// items, and entry points end up as chunks of a neighbouring function. A
// [Repairer] forces an [AnalysisDatabase] to recognise an address as a
// function start, trying in order:
//   - turning the items that block the function end back into instructions,
//     or detaching the address's chunk from its owner;
//   - creating the function;
//   - deleting the owner, creating both functions, and rolling back if any
//     of the owner's chunks end up unowned.
//
// [Database] is an in-memory AnalysisDatabase over an Image, seeded from the
// image's symbols.
//
// # Function detection
//
// Candidate entry points for repair come from prologue and call site
// analysis. [DetectPrologues] recognizes common amd64 and arm64 prologues,
// [DetectCallSites] extracts branch targets with a confidence rating, and
// [DetectFunctions] combines both. [DetectFunctionsInImage] runs over every
// executable segment of an image.
//
// The confidence level indicates the reliability of a detection:
//   - High: Direct CALL/BL instructions or prologue + called/jumped to
//   - Medium: Unconditional jumps or prologue-only
//   - Low: Conditional jumps (usually intra-function branches)
//   - None: Register-indirect (cannot be statically resolved)
package refunc
